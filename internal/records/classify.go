// Package records turns the local capture directory into correlated records.
package records

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"pwnlink/agent/internal/model"
)

var suffixKinds = []struct {
	suffix string
	kind   model.FileKind
}{
	{suffix: ".pcap", kind: model.KindPrimary},
	{suffix: ".net-pos.json", kind: model.KindPositionNet},
	{suffix: ".geo.json", kind: model.KindPositionGeo},
	{suffix: ".gps.json", kind: model.KindPositionGps},
}

// Classify derives the kind and basename of a local file from its name.
func Classify(filename string) (model.FileKind, string) {
	for _, sk := range suffixKinds {
		if strings.HasSuffix(filename, sk.suffix) && len(filename) > len(sk.suffix) {
			return sk.kind, strings.TrimSuffix(filename, sk.suffix)
		}
	}
	return model.KindUnknown, filename
}

func NewLocalFile(filename string, size uint64, created, modified time.Time) model.LocalFile {
	kind, basename := Classify(filename)
	return model.LocalFile{
		ID:               uuid.NewString(),
		Filename:         filename,
		Basename:         basename,
		SizeBytes:        size,
		CreationDate:     created,
		ModificationDate: modified,
		Kind:             kind,
	}
}
