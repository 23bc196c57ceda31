package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/entitycache/pkg/entitycache"
	"github.com/mesh-intelligence/entitycache/pkg/types"
)

func newGetCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <entity> [key]",
		Short: "Get one entity by key, or all entities of a type",
		Example: `  entcache get Hero
  entcache get Hero 42`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			s, err := openSession(cmd, f, args[0])
			if err != nil {
				return err
			}
			defer closeSession(s, &err)

			if len(args) == 2 {
				key := types.Key(args[1])
				if _, err := s.await(s.d.GetByKey(key)); err != nil {
					return err
				}
				e, err := s.entity(key)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), f, e)
			}

			if _, err := s.await(s.d.Load()); err != nil {
				return err
			}
			list, err := s.entities()
			if err != nil {
				return err
			}
			return printList(cmd.OutOrStdout(), f, list)
		},
	}
}

func newQueryCmd(f *rootFlags) *cobra.Command {
	var filter string
	cmd := &cobra.Command{
		Use:   "query <entity> [field=value...]",
		Short: "Query entities by field equality",
		Long: `Query sends field=value pairs to the store and prints the matching
entities. --filter further narrows the result with an expression over
entity fields, for example 'power > 5'.`,
		Example: `  entcache query Hero team=avengers
  entcache query Hero --filter 'power > 5'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			params, err := parseQueryArgs(args[1:])
			if err != nil {
				return err
			}
			s, err := openSession(cmd, f, args[0])
			if err != nil {
				return err
			}
			defer closeSession(s, &err)

			if _, err := s.await(s.d.GetWithQuery(params)); err != nil {
				return err
			}
			if filter != "" {
				if _, err := s.d.SetFilter(filter); err != nil {
					return sysError("%w", err)
				}
			}
			list, err := s.entities()
			if err != nil {
				return err
			}
			return printList(cmd.OutOrStdout(), f, list)
		},
	}
	cmd.Flags().StringVar(&filter, "filter", "", "expression the returned entities must satisfy")
	return cmd
}

func newAddCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "add <entity> <json>",
		Short: "Add an entity",
		Long: `Add stores a new entity. A missing key field is generated by the
store as a UUIDv7 in the "id" field.`,
		Example: `  entcache add Hero '{"id": 42, "name": "Ada"}'`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			e, err := parseEntity(args[1])
			if err != nil {
				return err
			}
			s, err := openSession(cmd, f, args[0])
			if err != nil {
				return err
			}
			defer closeSession(s, &err)

			done, err := s.await(s.d.Add(e))
			if err != nil {
				return err
			}
			if saved, ok := done.Data.(types.Entity); ok {
				e = saved
			}
			return printJSON(cmd.OutOrStdout(), f, e)
		},
	}
}

func newUpdateCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "update <entity> <json>",
		Short: "Merge changes into an existing entity",
		Long: `Update merges the given fields into the stored entity. The JSON must
carry the key field; fields not present are left unchanged.`,
		Example: `  entcache update Hero '{"id": 42, "power": 9}'`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			e, err := parseEntity(args[1])
			if err != nil {
				return err
			}
			s, err := openSession(cmd, f, args[0])
			if err != nil {
				return err
			}
			defer closeSession(s, &err)

			if _, ok := s.keyFn(e); !ok {
				return userError("update: %w: field %q", types.ErrMissingKey, f.keyField)
			}
			done, err := s.await(s.d.Update(e))
			if err != nil {
				return err
			}
			// The entity is not cached in a fresh session; print the stored record.
			if u, ok := done.Data.(types.Update); ok {
				e = u.Changes
			}
			return printJSON(cmd.OutOrStdout(), f, e)
		},
	}
}

func newDeleteCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <entity> <key>",
		Short:   "Delete an entity by key",
		Example: `  entcache delete Hero 42`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			s, err := openSession(cmd, f, args[0])
			if err != nil {
				return err
			}
			defer closeSession(s, &err)

			key := types.Key(args[1])
			if _, err := s.await(s.d.Delete(key, entitycache.WithOptimistic(false))); err != nil {
				return err
			}
			if f.jsonMode {
				return printJSON(cmd.OutOrStdout(), f, map[string]any{"deleted": key, "entity": s.name})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s/%s\n", s.name, key)
			return nil
		},
	}
}

// closeSession closes s and records a close failure in *err unless the
// command already failed.
func closeSession(s *session, err *error) {
	if cerr := s.close(); cerr != nil && *err == nil {
		*err = sysError("close: %w", cerr)
	}
}

// parseEntity decodes a JSON object argument.
func parseEntity(raw string) (types.Entity, error) {
	var e types.Entity
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, userError("invalid entity JSON: %w", err)
	}
	if e == nil {
		return nil, userError("invalid entity JSON: expected an object")
	}
	return e, nil
}

// parseQueryArgs turns field=value arguments into query params.
func parseQueryArgs(args []string) (types.QueryParams, error) {
	params := make(types.QueryParams, len(args))
	for _, a := range args {
		field, value, ok := strings.Cut(a, "=")
		if !ok || field == "" {
			return nil, userError("invalid query argument %q: want field=value", a)
		}
		params[field] = value
	}
	return params, nil
}

// printJSON writes v as indented JSON under --json and compact JSON otherwise.
func printJSON(w io.Writer, f *rootFlags, v any) error {
	var (
		out []byte
		err error
	)
	if f.jsonMode {
		out, err = json.MarshalIndent(v, "", "  ")
	} else {
		out, err = json.Marshal(v)
	}
	if err != nil {
		return sysError("marshal JSON: %w", err)
	}
	fmt.Fprintln(w, string(out))
	return nil
}

// printList writes a JSON array under --json and one entity per line otherwise.
func printList(w io.Writer, f *rootFlags, list []types.Entity) error {
	if f.jsonMode {
		if list == nil {
			list = []types.Entity{}
		}
		return printJSON(w, f, list)
	}
	for _, e := range list {
		if err := printJSON(w, f, e); err != nil {
			return err
		}
	}
	return nil
}
