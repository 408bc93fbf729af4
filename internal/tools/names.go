// Package tools defines the closed set of tools the gateway exposes, their
// parameter schemas and the pure validator that turns raw parameters into
// typed values.
package tools

// Name identifies a tool. The set is closed: adding a tool means adding a
// constant here, an entry in nameStrings and an entry in definitions, and
// the build fails until all three agree.
type Name int

const (
	GenerateContent Name = iota
	SchedulePost
	ListPosts
	GetProfile
	UndoPost

	numNames
)

var nameStrings = [...]string{
	GenerateContent: "generate_content",
	SchedulePost:    "schedule_post",
	ListPosts:       "list_posts",
	GetProfile:      "get_profile",
	UndoPost:        "undo_post",
}

// Both conversions overflow at compile time unless the table has exactly
// numNames entries.
const (
	_ = uint(len(nameStrings) - int(numNames))
	_ = uint(int(numNames) - len(nameStrings))
)

func (n Name) String() string {
	if n < 0 || n >= numNames {
		return "unknown"
	}
	return nameStrings[n]
}

// Valid reports whether n is a member of the closed set.
func (n Name) Valid() bool { return n >= 0 && n < numNames }

// ParseName maps a wire name onto a Name.
func ParseName(s string) (Name, bool) {
	for i, v := range nameStrings {
		if v == s {
			return Name(i), true
		}
	}
	return 0, false
}

// AllNames returns every tool in declaration order.
func AllNames() []Name {
	out := make([]Name, numNames)
	for i := range out {
		out[i] = Name(i)
	}
	return out
}

// OAuth scopes tools may require.
const (
	ScopeRead  = "read"
	ScopeWrite = "write"
)
