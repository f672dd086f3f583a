package model

// Store documents carry bookkeeping fields alongside user content. Change
// bodies and list documents must have these stripped before their entries are
// treated as job keys.
const (
	MetaID   = "_id"
	MetaRev  = "_rev"
	MetaMeta = "_meta"
	MetaType = "_type"
)

// IsMetaKey reports whether a document key is store bookkeeping rather than
// content.
func IsMetaKey(key string) bool {
	switch key {
	case MetaID, MetaRev, MetaMeta, MetaType:
		return true
	}
	return false
}

// Link points one document at another by store identifier.
type Link struct {
	ID string `json:"_id"`
}

// LinkFrom extracts a link from a decoded list entry. The second return is
// false when the entry has no usable link field.
func LinkFrom(entry any) (Link, bool) {
	m, ok := entry.(map[string]any)
	if !ok {
		return Link{}, false
	}
	id, ok := m[MetaID].(string)
	if !ok || id == "" {
		return Link{}, false
	}
	return Link{ID: id}, true
}

// ContentKeys lists the non-meta keys of a decoded document in no particular
// order.
func ContentKeys(doc map[string]any) []string {
	keys := make([]string, 0, len(doc))
	for key := range doc {
		if IsMetaKey(key) {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}
