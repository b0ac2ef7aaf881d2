// Package state holds the in-memory document replica for a room and the
// command engine that mutates it.
package state

import (
	"encoding/json"

	"github.com/graphroom/relay/internal/protocol"
)

// Document is a room's replicated document. The relay interprets only the
// fields its command handlers touch; node and edge payloads and the
// client-local page fields stay opaque and round-trip byte for byte.
type Document struct {
	Version       int     `json:"version"`
	IDGen         string  `json:"idGen"`
	CurrentPageID string  `json:"currentPageId"`
	Pages         []*Page `json:"pages"`
}

// FindPage returns the first page with the given id, or nil.
func (d *Document) FindPage(id string) *Page {
	for _, page := range d.Pages {
		if page.ID == id {
			return page
		}
	}
	return nil
}

// Page exposes the page id and the two object maps. Every other field the
// client ships (name, icon, view, tool mode, selection, ...) is preserved
// in extra and re-emitted on marshal, without being inspected.
type Page struct {
	ID    string
	Nodes map[string]json.RawMessage
	Edges map[string]json.RawMessage

	extra map[string]json.RawMessage
}

// UnmarshalJSON splits the page into the fields the command handlers touch
// and the opaque remainder.
func (p *Page) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	p.ID = ""
	p.Nodes = nil
	p.Edges = nil
	p.extra = nil
	for key, value := range fields {
		switch key {
		case "id":
			if err := json.Unmarshal(value, &p.ID); err != nil {
				return err
			}
		case "nodes":
			if err := json.Unmarshal(value, &p.Nodes); err != nil {
				return err
			}
		case "edges":
			if err := json.Unmarshal(value, &p.Edges); err != nil {
				return err
			}
		default:
			if p.extra == nil {
				p.extra = make(map[string]json.RawMessage)
			}
			p.extra[key] = value
		}
	}
	if p.Nodes == nil {
		p.Nodes = make(map[string]json.RawMessage)
	}
	if p.Edges == nil {
		p.Edges = make(map[string]json.RawMessage)
	}
	return nil
}

// MarshalJSON reassembles the page. encoding/json sorts map keys, so two
// replicas holding the same content serialize identically.
func (p *Page) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(p.extra)+3)
	for k, v := range p.extra {
		fields[k] = v
	}
	id, err := json.Marshal(p.ID)
	if err != nil {
		return nil, err
	}
	fields["id"] = id
	nodes, err := json.Marshal(p.Nodes)
	if err != nil {
		return nil, err
	}
	fields["nodes"] = nodes
	edges, err := json.Marshal(p.Edges)
	if err != nil {
		return nil, err
	}
	fields["edges"] = edges
	return json.Marshal(fields)
}

// merge shallow-merges the payload's top-level fields into the page. Fields
// absent from the payload are preserved; present ones replace wholesale,
// including the entire nodes or edges map.
func (p *Page) merge(data json.RawMessage) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return protocol.New(protocol.CodeInvalidMessage, "page.modify", "payload is not a JSON object").
			WithCause(err)
	}
	for key, value := range fields {
		switch key {
		case "id":
			if err := json.Unmarshal(value, &p.ID); err != nil {
				return protocol.New(protocol.CodeInvalidMessage, "page.modify", "id is not a string").
					WithCause(err)
			}
		case "nodes":
			var nodes map[string]json.RawMessage
			if err := json.Unmarshal(value, &nodes); err != nil {
				return protocol.New(protocol.CodeInvalidMessage, "page.modify", "nodes is not an object").
					WithCause(err)
			}
			if nodes == nil {
				nodes = make(map[string]json.RawMessage)
			}
			p.Nodes = nodes
		case "edges":
			var edges map[string]json.RawMessage
			if err := json.Unmarshal(value, &edges); err != nil {
				return protocol.New(protocol.CodeInvalidMessage, "page.modify", "edges is not an object").
					WithCause(err)
			}
			if edges == nil {
				edges = make(map[string]json.RawMessage)
			}
			p.Edges = edges
		default:
			if p.extra == nil {
				p.extra = make(map[string]json.RawMessage)
			}
			p.extra[key] = value
		}
	}
	return nil
}
