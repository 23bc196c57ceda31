//go:build mage

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
)

// skipDirs are never counted.
var skipDirs = map[string]bool{
	".git":      true,
	"vendor":    true,
	"_examples": true,
	"magefiles": true,
	binaryDir:   true,
}

// docFiles are the documents counted by Stats.
var docFiles = []string{"README.md", "DESIGN.md", "SPEC_FULL.md"}

// pkgStats holds line counts for one package directory.
type pkgStats struct {
	Prod int `json:"prod"`
	Test int `json:"test"`
}

// Stats prints Go lines of code per package, totals and documentation word
// counts as one JSON object.
func Stats() error {
	pkgs, err := countPackages(".")
	if err != nil {
		return err
	}

	var prod, test int
	for _, s := range pkgs {
		prod += s.Prod
		test += s.Test
	}

	docWords := 0
	for _, doc := range docFiles {
		n, err := countWordsInFile(doc)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		docWords += n
	}

	record := struct {
		Packages map[string]pkgStats `json:"packages"`
		Prod     int                 `json:"go_loc_prod"`
		Test     int                 `json:"go_loc_test"`
		Total    int                 `json:"go_loc"`
		DocWords int                 `json:"doc_wc"`
	}{pkgs, prod, test, prod + test, docWords}

	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	fmt.Println(string(line))
	return nil
}

// countPackages walks root and sums Go lines by package directory.
func countPackages(root string) (map[string]pkgStats, error) {
	pkgs := make(map[string]pkgStats)
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") {
			return nil
		}
		n, err := countLines(path)
		if err != nil {
			return fmt.Errorf("count %s: %w", path, err)
		}
		dir := filepath.ToSlash(filepath.Dir(path))
		s := pkgs[dir]
		if strings.HasSuffix(path, "_test.go") {
			s.Test += n
		} else {
			s.Prod += n
		}
		pkgs[dir] = s
		return nil
	})
	return pkgs, err
}

// sortedPackages returns the package directories in lexical order.
func sortedPackages(pkgs map[string]pkgStats) []string {
	dirs := make([]string, 0, len(pkgs))
	for d := range pkgs {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs
}

// StatsTable prints per-package line counts as an aligned table.
func StatsTable() error {
	pkgs, err := countPackages(".")
	if err != nil {
		return err
	}
	fmt.Printf("%-28s %8s %8s\n", "package", "prod", "test")
	for _, d := range sortedPackages(pkgs) {
		fmt.Printf("%-28s %8d %8d\n", d, pkgs[d].Prod, pkgs[d].Test)
	}
	return nil
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	count := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		count++
	}
	return count, scanner.Err()
}

func countWordsInFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return len(strings.FieldsFunc(string(data), unicode.IsSpace)), nil
}
