package unixfs

// Kind is the classification of a single archive block.
type Kind int

const (
	// KindOpaque is any block that is not a decodable unixfs node: raw-codec
	// leaves, unknown codecs and dag-pb payloads that fail to decode.
	KindOpaque Kind = iota
	KindRaw
	KindDirectory
	KindFile
	KindMetadata
	KindSymlink
	KindHAMTShard
)

var kindNames = [...]string{
	KindOpaque:    "opaque",
	KindRaw:       "raw",
	KindDirectory: "directory",
	KindFile:      "file",
	KindMetadata:  "metadata",
	KindSymlink:   "symlink",
	KindHAMTShard: "hamt-shard",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Wire values of the unixfs Data.Type enum.
const (
	typeRaw uint64 = iota
	typeDirectory
	typeFile
	typeMetadata
	typeSymlink
	typeHAMTShard
)

func kindFromType(t uint64) (Kind, bool) {
	if t > typeHAMTShard {
		return KindOpaque, false
	}
	return Kind(t + 1), true
}

func (k Kind) wireType() uint64 {
	if k == KindOpaque {
		return typeRaw
	}
	return uint64(k - 1)
}
