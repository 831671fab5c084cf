// Package orchestration implements the three composition primitives a
// script can build out of individual tasks: sequential chains, parallel
// groups, and fan-in chords, plus the synchronous wait a `wait=true`
// scheduling directive blocks on.
package orchestration

import (
	"encoding/json"
	"fmt"

	"github.com/foundryrun/foundry/internal/pctx"
)

// Link is one task in a Chain, Group, or Chord — everything needed to
// build a broker.Message for it, without a task id yet assigned.
type Link struct {
	Queue      string
	Entrypoint string
	ScriptPath string
	Symbol     string
	Params     map[string]any
	PC         pctx.Context
}

// chainLinksKey is the reserved program-context key a Chain stashes its
// remaining links under so the executor can enqueue the next one on
// successful completion of the current one, without either side needing
// a shared in-memory structure.
const chainLinksKey = "_chain_links"

// AttachChainLinks records the links still to run after the current one
// into pc, or removes the key entirely when links is empty.
func AttachChainLinks(pc pctx.Context, links []Link) error {
	if len(links) == 0 {
		delete(pc, chainLinksKey)
		return nil
	}
	raw, err := json.Marshal(links)
	if err != nil {
		return fmt.Errorf("encode chain links: %w", err)
	}
	pc[chainLinksKey] = string(raw)
	return nil
}

// PopChainLink reports whether pc carries remaining chain links, and if
// so returns the next one to run plus whatever remains after it.
func PopChainLink(pc pctx.Context) (*Link, []Link, bool) {
	raw, ok := pc[chainLinksKey].(string)
	if !ok || raw == "" {
		return nil, nil, false
	}
	var links []Link
	if err := json.Unmarshal([]byte(raw), &links); err != nil || len(links) == 0 {
		return nil, nil, false
	}
	next := links[0]
	return &next, links[1:], true
}
