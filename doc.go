// Package kiln drives incremental builds of a multi-module workspace.
//
// # Pipeline
//
// A build starts from a scope describing what to build: the project, a
// set of modules, explicit files, a directory, a union of those, or the
// dependency closure of another scope. The [Driver]:
//
//  1. Validates the modules the scope touches (SDK and output path
//     assigned, consistent settings across dependency cycles).
//  2. Turns the scope into target requests, one per target type, and
//     merges in requests from registered providers.
//  3. Submits them with the filesystem delta accumulated since the last
//     build to a build process, in-process or remote over gRPC.
//  4. Follows the streamed events to a terminal [ExitStatus], flushes
//     the compiler caches and reports a [Result].
//
// # Usage
//
//	ws, err := workspace.Load("kiln.yaml")
//	if err != nil { ... }
//	caches := store.NewManager(filepath.Join(ws.Root, ".kiln", "caches"))
//	d, err := kiln.New(ws, caches)
//	if err != nil { ... }
//
//	res, err := d.Make(ctx, scope.NewModules([]string{"app"}, false))
//
// # Incremental compilation
//
// Each compiler keeps a SQLite-backed cache of source and output
// fingerprints per item. A runner compares them with the current files
// and hands only stale items to the compiler. Source fingerprints are
// syntax-aware where a tree-sitter grammar exists, so comment and
// whitespace edits do not trigger recompilation.
package kiln
