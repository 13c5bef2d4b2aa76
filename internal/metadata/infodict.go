// infodict.go parses the validated "info" dictionary of a torrent's
// metadata into DiscoveredTorrent fields.
package metadata

import (
	"bytes"
	"fmt"
	"strings"

	bencode "github.com/jackpal/bencode-go"

	"github.com/kademux/dhtcrawler/internal/sink"
)

// rawFileEntry mirrors one element of a multi-file torrent's "files" list.
type rawFileEntry struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// rawInfoDict is the bencode shape of a torrent's info dictionary.
type rawInfoDict struct {
	Name        string         `bencode:"name"`
	PieceLength int            `bencode:"piece length"`
	Pieces      string         `bencode:"pieces"`
	Length      int64          `bencode:"length,omitempty"`
	Files       []rawFileEntry `bencode:"files,omitempty"`
	Private     int            `bencode:"private,omitempty"`
}

// InfoDict is the parsed, crawler-facing view of a torrent's metadata.
type InfoDict struct {
	Name        string
	PieceLength int
	Pieces      []byte
	Files       []sink.FileEntry
	Private     bool
}

// TotalLength sums every file's size (or the single-file length), used for
// the DiscoveredTorrent.Size field.
func (d InfoDict) TotalLength() int64 {
	var total int64
	for _, f := range d.Files {
		total += f.Size
	}
	return total
}

// ParseInfoDict decodes a validated metadata blob's info dictionary. Both
// single-file and multi-file torrents are supported; a single-file torrent
// is normalized to one Files entry so callers never special-case
// file_count == 0.
func ParseInfoDict(data []byte) (InfoDict, error) {
	var raw rawInfoDict
	if err := bencode.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return InfoDict{}, fmt.Errorf("metadata: decode info dict: %w", err)
	}
	if raw.PieceLength <= 0 || len(raw.Pieces)%20 != 0 {
		return InfoDict{}, fmt.Errorf("metadata: malformed info dict")
	}

	out := InfoDict{
		Name:        raw.Name,
		PieceLength: raw.PieceLength,
		Pieces:      []byte(raw.Pieces),
		Private:     raw.Private != 0,
	}

	if len(raw.Files) > 0 {
		for _, f := range raw.Files {
			out.Files = append(out.Files, sink.FileEntry{
				Path: strings.Join(f.Path, "/"),
				Size: f.Length,
			})
		}
	} else {
		out.Files = append(out.Files, sink.FileEntry{Path: raw.Name, Size: raw.Length})
	}
	return out, nil
}
