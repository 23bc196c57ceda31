// Package types defines the command protocol, entity and collection model,
// persistence contracts, configuration, and standard errors for entitycache.
//
// Ops are a closed enumeration of kinds tagged with an Outcome. Completion
// ops are derived with Op.Success and Op.Failure rather than by appending
// suffixes to names; the "/success" and "/error" suffixes exist only in the
// canonical string form.
package types
