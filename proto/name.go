package proto

import (
	"fmt"
	"strings"
)

const (
	NamespaceJCR  = "http://www.jcp.org/jcr/1.0"
	NamespaceNT   = "http://www.jcp.org/jcr/nt/1.0"
	NamespaceMix  = "http://www.jcp.org/jcr/mix/1.0"
	NamespaceRep  = "internal"
	NamespaceNone = ""
)

// Name is a namespace qualified name, written as "{uri}local".
type Name struct {
	URI   string `msgpack:"u"`
	Local string `msgpack:"l"`
}

var (
	JCRPrimaryType    = Name{NamespaceJCR, "primaryType"}
	JCRMixinTypes     = Name{NamespaceJCR, "mixinTypes"}
	JCRUUID           = Name{NamespaceJCR, "uuid"}
	JCRVersionHistory = Name{NamespaceJCR, "versionHistory"}
	JCRBaseVersion    = Name{NamespaceJCR, "baseVersion"}
	JCRPredecessors   = Name{NamespaceJCR, "predecessors"}
	JCRIsCheckedOut   = Name{NamespaceJCR, "isCheckedOut"}
	JCRRootVersion    = Name{NamespaceJCR, "rootVersion"}
	JCRVersionableID  = Name{NamespaceJCR, "versionableUuid"}
	JCRCreated        = Name{NamespaceJCR, "created"}

	NTBase           = Name{NamespaceNT, "base"}
	NTUnstructured   = Name{NamespaceNT, "unstructured"}
	NTVersionHistory = Name{NamespaceNT, "versionHistory"}
	NTVersion        = Name{NamespaceNT, "version"}

	MixReferenceable = Name{NamespaceMix, "referenceable"}
	MixVersionable   = Name{NamespaceMix, "versionable"}
	MixShareable     = Name{NamespaceMix, "shareable"}
	MixLockable      = Name{NamespaceMix, "lockable"}

	RepRoot = Name{NamespaceRep, "root"}

	// AnyName matches every name in a residual item definition.
	AnyName = Name{NamespaceNone, "*"}
)

func (n Name) String() string {
	return "{" + n.URI + "}" + n.Local
}

func (n Name) IsZero() bool {
	return n.URI == "" && n.Local == ""
}

// ParseName parses the "{uri}local" form. A name without braces has the
// empty namespace.
func ParseName(s string) (Name, error) {
	if !strings.HasPrefix(s, "{") {
		if s == "" {
			return Name{}, fmt.Errorf("empty name")
		}
		return Name{Local: s}, nil
	}
	end := strings.IndexByte(s, '}')
	if end < 0 || end == len(s)-1 {
		return Name{}, fmt.Errorf("invalid name %q", s)
	}
	return Name{URI: s[1:end], Local: s[end+1:]}, nil
}

func MustParseName(s string) Name {
	n, err := ParseName(s)
	if err != nil {
		panic(err)
	}
	return n
}

// CompareNames orders names by namespace uri first, then local name.
func CompareNames(a, b Name) int {
	if c := strings.Compare(a.URI, b.URI); c != 0 {
		return c
	}
	return strings.Compare(a.Local, b.Local)
}
