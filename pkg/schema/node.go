package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// NodeKind classifies a workflow node.
type NodeKind string

const (
	KindAction   NodeKind = "action"
	KindBranch   NodeKind = "branch"
	KindTerminal NodeKind = "terminal"

	// legacyKindEnd is the name older documents use for terminal nodes.
	legacyKindEnd NodeKind = "end"
)

// Valid reports whether k is one of the three node kinds.
func (k NodeKind) Valid() bool {
	switch k {
	case KindAction, KindBranch, KindTerminal:
		return true
	}
	return false
}

// ParseNodeKind maps a user-supplied kind name (including the legacy "end") to a NodeKind.
func ParseNodeKind(s string) (NodeKind, error) {
	k := NodeKind(strings.ToLower(strings.TrimSpace(s)))
	if k == legacyKindEnd {
		return KindTerminal, nil
	}
	if !k.Valid() {
		return "", NewErrorf(ErrCodeValidation, "unknown node kind %q", s)
	}
	return k, nil
}

func (k *NodeKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if NodeKind(s) == legacyKindEnd {
		*k = KindTerminal
		return nil
	}
	*k = NodeKind(s)
	return nil
}

// Branch slot keys.
const (
	KeyTrue  = "true"
	KeyFalse = "false"

	// CaseKeyPrefix namespaces branch slots beyond the canonical true/false pair.
	// Switch conditions may route to them by mapping a value to the full key.
	CaseKeyPrefix = "case:"
)

// IsCanonicalKey reports whether key is "true" or "false".
func IsCanonicalKey(key string) bool {
	return key == KeyTrue || key == KeyFalse
}

// IsCaseKey reports whether key is a namespaced extension slot.
func IsCaseKey(key string) bool {
	return strings.HasPrefix(key, CaseKeyPrefix) && len(key) > len(CaseKeyPrefix)
}

// NodeDocument is the forward-edge form of a workflow tree. It carries no parent
// references and is what gets persisted, diffed and sent over the wire.
type NodeDocument struct {
	ID           string                   `json:"id"`
	Kind         NodeKind                 `json:"type"`
	Label        string                   `json:"label"`
	Children     []*NodeDocument          `json:"children,omitempty"`
	Branches     map[string]*NodeDocument `json:"branches,omitempty"`
	Condition    string                   `json:"condition,omitempty"`
	ConditionObj *Condition               `json:"conditionObj,omitempty"`
}

// Clone returns a deep copy of the document.
func (d *NodeDocument) Clone() *NodeDocument {
	if d == nil {
		return nil
	}
	cp := &NodeDocument{
		ID:           d.ID,
		Kind:         d.Kind,
		Label:        d.Label,
		Condition:    d.Condition,
		ConditionObj: d.ConditionObj.Clone(),
	}
	if d.Children != nil {
		cp.Children = make([]*NodeDocument, len(d.Children))
		for i, c := range d.Children {
			cp.Children[i] = c.Clone()
		}
	}
	if d.Branches != nil {
		cp.Branches = make(map[string]*NodeDocument, len(d.Branches))
		for k, b := range d.Branches {
			cp.Branches[k] = b.Clone()
		}
	}
	return cp
}

// Count returns the number of nodes in the document.
func (d *NodeDocument) Count() int {
	if d == nil {
		return 0
	}
	n := 1
	for _, c := range d.Children {
		n += c.Count()
	}
	for _, b := range d.Branches {
		n += b.Count()
	}
	return n
}

// ParseDocument decodes a JSON workflow document. A literal null yields a nil document.
func ParseDocument(data []byte) (*NodeDocument, error) {
	var doc *NodeDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, NewError(ErrCodeValidation, fmt.Sprintf("invalid workflow document: %s", err.Error())).WithCause(err)
	}
	return doc, nil
}
