package persistence

import (
	"strings"

	"github.com/cubefs/itemdb/fs"
	"github.com/cubefs/itemdb/proto"
)

const (
	nodeFileSuffix = ".n"
	refsFileSuffix = ".r"
	blobFolder     = "blobs"
)

// folder fans out by the first two bytes of the id: "ab/cd".
func folder(id proto.NodeID) string {
	s := id.String()
	return fs.Join(s[0:2], s[2:4])
}

func BuildNodeFilePath(id proto.NodeID) string {
	return fs.Join(folder(id), id.String()+nodeFileSuffix)
}

func BuildReferencesFilePath(id proto.NodeID) string {
	return fs.Join(folder(id), id.String()+refsFileSuffix)
}

func isFanOutFolder(name string) bool {
	if len(name) != 2 {
		return false
	}
	return strings.Trim(name, "0123456789abcdef") == ""
}

// parseFileName returns the id of a bundle or references file name.
func parseFileName(name, suffix string) (proto.NodeID, bool) {
	if !strings.HasSuffix(name, suffix) {
		return proto.NilNodeID, false
	}
	id, err := proto.ParseNodeID(strings.TrimSuffix(name, suffix))
	if err != nil {
		return proto.NilNodeID, false
	}
	return id, true
}
