// Package fabricgo is an embedded knowledge-container fabric: a graph of
// typed containers connected by structural, semantic, and contextual edges,
// persisted in compact binary files and traversed under explicit budgets.
//
// Containers split into a fixed-stride structural record (parent, version,
// child list pointer) and a variable-length attribute record (keywords,
// topics, relations, embedding, traversal hints) with full version history.
// A single writer mutates the store; readers pin immutable generations and
// never block. Every mutation is committed to an append-only log before the
// structural files change, so a crash at any point recovers to a consistent
// state.
//
// Traversal walks children, parent, and relation edges best-first under hop,
// container, and latency budgets, scored structurally, semantically (via an
// external ANN index or stored embeddings), contextually (keyword and topic
// overlap), as a weighted hybrid, or guided by an external relevance model
// with brute-force fallback when the model cannot be trusted.
//
// Basic usage:
//
//	store, err := fabricgo.Open("./data")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	root, _ := store.CreateContainer(ctx, fabricgo.CreateRequest{Type: model.TypeRoot})
//	doc, _ := store.CreateContainer(ctx, fabricgo.CreateRequest{
//	    Parent: root,
//	    Type:   model.TypeTextDocument,
//	    Context: model.Context{Keywords: []string{"storage"}},
//	})
//
//	res, _ := store.Traverse(ctx, traverse.Request{
//	    Start:  root,
//	    Mode:   traverse.ModeStructural,
//	    Budget: traverse.Budget{MaxContainers: 100},
//	})
//	_ = doc
//	_ = res
package fabricgo
