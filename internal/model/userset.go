package model

// UserSet is an ordered, duplicate-free set of user ids.
//
// UserSet has value semantics: Add, Remove and Union return a new set and
// never modify the receiver, so a set shared between snapshots stays stable.
type UserSet []string

// NewUserSet builds a set from ids, dropping empty ids and duplicates.
func NewUserSet(ids ...string) UserSet {
	return UserSet(nil).Union(ids)
}

// Has reports whether id is a member.
func (s UserSet) Has(id string) bool {
	for _, v := range s {
		if v == id {
			return true
		}
	}
	return false
}

// Len returns the number of members.
func (s UserSet) Len() int { return len(s) }

// Add returns a set that also contains id.
func (s UserSet) Add(id string) UserSet {
	if id == "" || s.Has(id) {
		return s
	}
	out := make(UserSet, len(s), len(s)+1)
	copy(out, s)
	return append(out, id)
}

// Remove returns a set without id.
func (s UserSet) Remove(id string) UserSet {
	if !s.Has(id) {
		return s
	}
	out := make(UserSet, 0, len(s)-1)
	for _, v := range s {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// Union returns the members of s followed by the members of other not in s.
func (s UserSet) Union(other []string) UserSet {
	out := s
	copied := false
	for _, id := range other {
		if id == "" || out.Has(id) {
			continue
		}
		if !copied {
			out = make(UserSet, len(s), len(s)+len(other))
			copy(out, s)
			copied = true
		}
		out = append(out, id)
	}
	return out
}

// ContainsAll reports whether every member of other is in s.
func (s UserSet) ContainsAll(other []string) bool {
	for _, id := range other {
		if id != "" && !s.Has(id) {
			return false
		}
	}
	return true
}

// Slice returns a copy of the members.
func (s UserSet) Slice() []string {
	out := make([]string, len(s))
	copy(out, s)
	return out
}
