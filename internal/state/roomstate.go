package state

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/graphroom/relay/internal/protocol"
)

// RoomState guards a room's document replica and its lifecycle invariants:
// no reads or command application before the first upload, and a dirty flag
// that gates snapshot writes. All methods are safe for concurrent use.
type RoomState struct {
	mu          sync.Mutex
	doc         *Document
	initialized bool
	dirty       bool
}

// NewRoomState builds an uninitialized replica.
func NewRoomState() *RoomState {
	return &RoomState{}
}

// Initialized reports whether any client has ever uploaded a document.
func (s *RoomState) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// CanSetState reports whether an upload is admissible. Uploads always are;
// the room checks this defensively before admitting an uploader.
func (s *RoomState) CanSetState() bool { return true }

// CanGetState reports whether a download is admissible.
func (s *RoomState) CanGetState() bool {
	return s.Initialized()
}

// SetState replaces the document, discarding any prior one, and marks the
// replica initialized and dirty. The ID counter keeps its high-water mark
// across re-uploads: clients only ever advance their generators, so handing
// them a lower value back would re-introduce collisions. doc must not be nil.
func (s *RoomState) SetState(doc *Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized && parseCounter(s.doc.IDGen) > parseCounter(doc.IDGen) {
		doc.IDGen = s.doc.IDGen
	}
	s.doc = doc
	s.initialized = true
	s.dirty = true
}

// StateJSON serializes the current document. Callers must have checked
// CanGetState; an uninitialized read is an internal error.
func (s *RoomState) StateJSON() (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil, protocol.New(protocol.CodeInternalError, "state.get",
			"state read before initialization")
	}
	raw, err := json.Marshal(s.doc)
	if err != nil {
		return nil, protocol.Internal("state.get", err)
	}
	return raw, nil
}

// ConsumeChanges serializes the current document and reports whether it has
// been mutated since the previous consume, resetting the dirty flag. On a
// serialization failure the flag stays set so the next snapshot tick
// retries.
func (s *RoomState) ConsumeChanges() (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil, false, nil
	}
	raw, err := json.Marshal(s.doc)
	if err != nil {
		return nil, s.dirty, protocol.Internal("state.consume_changes", err)
	}
	changed := s.dirty
	s.dirty = false
	return raw, changed, nil
}

// UpdateIDCounter folds a client's reported counter into the document.
// The stored value only ever advances: max(current, incoming). No-op while
// uninitialized.
func (s *RoomState) UpdateIDCounter(counter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return
	}
	if parseCounter(counter) > parseCounter(s.doc.IDGen) {
		s.doc.IDGen = counter
	}
	s.dirty = true
}

// IDCounter returns the room's high-water ID counter, "0" before the first
// upload.
func (s *RoomState) IDCounter() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return "0"
	}
	return s.doc.IDGen
}

// ApplyCommand applies a single command, with the same initialization guard
// and dirty-flag behavior as a one-element batch.
func (s *RoomState) ApplyCommand(cmd protocol.Command) error {
	return s.ApplyCommands([]protocol.Command{cmd})
}

// ApplyCommands applies a batch in order. It fails before touching the
// document when the replica is uninitialized, stops at the first failing
// command, and marks the replica dirty after a non-empty batch succeeds.
func (s *RoomState) ApplyCommands(cmds []protocol.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return protocol.New(protocol.CodeStateNotInitialized, "state.apply",
			"commands received before any client uploaded state")
	}
	for _, cmd := range cmds {
		if err := s.apply(cmd); err != nil {
			return err
		}
	}
	if len(cmds) > 0 {
		s.dirty = true
	}
	return nil
}

func (s *RoomState) apply(cmd protocol.Command) error {
	switch cmd.Type {
	case protocol.CmdPageAdd:
		return s.applyPageAdd(cmd)
	case protocol.CmdPageDelete:
		s.applyPageDelete(cmd)
		return nil
	case protocol.CmdPageModify:
		return s.applyPageModify(cmd)
	case protocol.CmdPageReorder:
		s.applyPageReorder(cmd)
		return nil
	case protocol.CmdObjectAdd:
		return s.applyObjectAdd(cmd)
	case protocol.CmdObjectDelete:
		s.applyObjectDelete(cmd)
		return nil
	case protocol.CmdObjectModify:
		s.applyObjectModify(cmd)
		return nil
	default:
		return protocol.New(protocol.CodeInvalidMessage, "state.apply",
			fmt.Sprintf("unknown command type %q", cmd.Type)).
			With("commandId", cmd.CommandID)
	}
}

// applyPageAdd appends the payload as a new page. No uniqueness check:
// a duplicate id rides along and reorder disambiguates by list position.
func (s *RoomState) applyPageAdd(cmd protocol.Command) error {
	if len(cmd.Data) == 0 {
		return protocol.New(protocol.CodeInvalidMessage, "page.add", "missing page payload").
			With("commandId", cmd.CommandID)
	}
	page := &Page{}
	if err := json.Unmarshal(cmd.Data, page); err != nil {
		return protocol.New(protocol.CodeInvalidMessage, "page.add", "payload is not a page object").
			With("commandId", cmd.CommandID).WithCause(err)
	}
	s.doc.Pages = append(s.doc.Pages, page)
	return nil
}

// applyPageDelete removes the first page with the id. No-op when absent.
func (s *RoomState) applyPageDelete(cmd protocol.Command) {
	for i, page := range s.doc.Pages {
		if page.ID == cmd.PageID {
			s.doc.Pages = append(s.doc.Pages[:i], s.doc.Pages[i+1:]...)
			return
		}
	}
}

// applyPageModify shallow-merges the payload into the page. No-op when the
// page is absent.
func (s *RoomState) applyPageModify(cmd protocol.Command) error {
	page := s.doc.FindPage(cmd.PageID)
	if page == nil {
		return nil
	}
	return page.merge(cmd.Data)
}

// applyPageReorder rebuilds the page list in the requested order. Each
// mention picks up the first not-yet-placed page with that id; pages not
// mentioned keep their relative order at the end.
func (s *RoomState) applyPageReorder(cmd protocol.Command) {
	used := make([]bool, len(s.doc.Pages))
	ordered := make([]*Page, 0, len(s.doc.Pages))
	for _, id := range cmd.PageOrder {
		for i, page := range s.doc.Pages {
			if !used[i] && page.ID == id {
				used[i] = true
				ordered = append(ordered, page)
				break
			}
		}
	}
	for i, page := range s.doc.Pages {
		if !used[i] {
			ordered = append(ordered, page)
		}
	}
	s.doc.Pages = ordered
}

// applyObjectAdd inserts the payload into the page's node or edge map.
// A missing page is a client error.
func (s *RoomState) applyObjectAdd(cmd protocol.Command) error {
	page := s.doc.FindPage(cmd.PageID)
	if page == nil {
		return protocol.New(protocol.CodeInvalidMessage, "object.add", "page not found").
			With("commandId", cmd.CommandID).With("pageId", cmd.PageID)
	}
	switch cmd.ObjectType {
	case protocol.ObjectTypeNode:
		page.Nodes[cmd.ObjectID] = cmd.Data
	case protocol.ObjectTypeEdge:
		page.Edges[cmd.ObjectID] = cmd.Data
	default:
		return protocol.New(protocol.CodeInvalidMessage, "object.add",
			fmt.Sprintf("unknown object type %q", cmd.ObjectType)).
			With("commandId", cmd.CommandID)
	}
	return nil
}

// applyObjectDelete removes the id from both maps; the relay does not know
// which holds it. Silent no-op when the page or id is absent.
func (s *RoomState) applyObjectDelete(cmd protocol.Command) {
	page := s.doc.FindPage(cmd.PageID)
	if page == nil {
		return
	}
	delete(page.Nodes, cmd.ObjectID)
	delete(page.Edges, cmd.ObjectID)
}

// applyObjectModify replaces the object wholesale in whichever map holds
// it. Silent no-op when neither does.
func (s *RoomState) applyObjectModify(cmd protocol.Command) {
	page := s.doc.FindPage(cmd.PageID)
	if page == nil {
		return
	}
	if _, ok := page.Nodes[cmd.ObjectID]; ok {
		page.Nodes[cmd.ObjectID] = cmd.Data
		return
	}
	if _, ok := page.Edges[cmd.ObjectID]; ok {
		page.Edges[cmd.ObjectID] = cmd.Data
	}
}

// parseCounter reads a decimal ID counter; unparsable or negative values
// count as zero.
func parseCounter(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
