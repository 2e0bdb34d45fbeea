package node

import (
    "encoding/json"
    "strings"
)

// DefaultPrefix is the node-name prefix RabbitMQ uses unless RABBITMQ_NODENAME
// says otherwise.
const DefaultPrefix = "rabbit"

// Identity is a broker cluster-member name of the form <prefix>@<short-host>.
type Identity string

// FromHostname derives an Identity from a (possibly fully qualified) host name.
// Everything after the first dot is dropped, so "ip-10-0-0-1.ec2.internal"
// becomes "<prefix>@ip-10-0-0-1".
func FromHostname(prefix, host string) Identity {
    host = strings.TrimSpace(host)
    if i := strings.IndexByte(host, '.'); i >= 0 {
        host = host[:i]
    }
    if prefix == "" { prefix = DefaultPrefix }
    return Identity(prefix + "@" + host)
}

// Normalize trims surrounding whitespace.
func (i Identity) Normalize() Identity { return Identity(strings.TrimSpace(string(i))) }

// Equal reports whether both identities name the same node after normalization.
func (i Identity) Equal(o Identity) bool { return i.Normalize() == o.Normalize() }

// Host returns the part after '@', or the whole name when there is none.
func (i Identity) Host() string {
    s := string(i.Normalize())
    if at := strings.IndexByte(s, '@'); at >= 0 {
        return s[at+1:]
    }
    return s
}

func (i Identity) String() string { return string(i) }

// Set is an insertion-ordered set of normalized identities. The order is the
// order in which members were discovered; it matters for join target choice.
// The zero value is an empty set ready to use.
type Set struct {
    order []Identity
    index map[Identity]struct{}
}

// NewSet builds a set from ids, skipping blanks and duplicates.
func NewSet(ids ...Identity) *Set {
    s := &Set{}
    for _, id := range ids {
        s.Add(id)
    }
    return s
}

// Add inserts id and reports whether it was new.
func (s *Set) Add(id Identity) bool {
    id = id.Normalize()
    if id == "" { return false }
    if s.index == nil { s.index = make(map[Identity]struct{}) }
    if _, ok := s.index[id]; ok { return false }
    s.index[id] = struct{}{}
    s.order = append(s.order, id)
    return true
}

// Has reports membership. A nil set contains nothing.
func (s *Set) Has(id Identity) bool {
    if s == nil || s.index == nil { return false }
    _, ok := s.index[id.Normalize()]
    return ok
}

// Len returns the number of members; 0 for a nil set.
func (s *Set) Len() int {
    if s == nil { return 0 }
    return len(s.order)
}

// Slice returns a copy of the members in insertion order.
func (s *Set) Slice() []Identity {
    if s == nil { return nil }
    return append([]Identity(nil), s.order...)
}

// Strings returns the members as plain strings in insertion order.
func (s *Set) Strings() []string {
    out := make([]string, 0, s.Len())
    for _, id := range s.Slice() {
        out = append(out, string(id))
    }
    return out
}

// SubsetOf reports whether every member of s is in o.
func (s *Set) SubsetOf(o *Set) bool {
    for _, id := range s.Slice() {
        if !o.Has(id) { return false }
    }
    return true
}

// Difference returns the members of s that are absent from every one of others,
// keeping the order of s.
func (s *Set) Difference(others ...*Set) *Set {
    out := &Set{}
    for _, id := range s.Slice() {
        found := false
        for _, o := range others {
            if o.Has(id) { found = true; break }
        }
        if !found { out.Add(id) }
    }
    return out
}

func (s *Set) MarshalJSON() ([]byte, error) {
    return json.Marshal(s.Strings())
}

func (s *Set) UnmarshalJSON(b []byte) error {
    var ids []Identity
    if err := json.Unmarshal(b, &ids); err != nil { return err }
    *s = Set{}
    for _, id := range ids {
        s.Add(id)
    }
    return nil
}
