package records

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"pwnlink/agent/internal/model"
)

// Correlate builds one record per primary file and attaches position files
// with the same basename. Records are ordered by the primary file's
// modification time, newest first; undated files count as the epoch.
func Correlate(files []model.LocalFile) []model.CorrelatedRecord {
	primaries := lo.Filter(files, func(f model.LocalFile, _ int) bool {
		return f.Kind == model.KindPrimary
	})

	records := make([]model.CorrelatedRecord, len(primaries))
	byBasename := make(map[string][]int, len(primaries))
	for i, primary := range primaries {
		records[i] = model.CorrelatedRecord{
			ID:          uuid.NewString(),
			Name:        primary.Basename,
			PrimaryFile: primary,
		}
		byBasename[primary.Basename] = append(byBasename[primary.Basename], i)
	}

	for _, file := range files {
		for _, idx := range byBasename[file.Basename] {
			attach(&records[idx], file)
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		return sortTime(records[i].PrimaryFile.ModificationDate).After(sortTime(records[j].PrimaryFile.ModificationDate))
	})
	return records
}

func attach(record *model.CorrelatedRecord, file model.LocalFile) {
	f := file
	switch file.Kind {
	case model.KindPositionNet:
		record.PositionNet = &f
	case model.KindPositionGeo:
		record.PositionGeo = &f
	case model.KindPositionGps:
		record.PositionGps = &f
	}
}

func sortTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Unix(0, 0)
	}
	return t
}
