package records

import (
	"encoding/json"
	"fmt"

	"pwnlink/agent/internal/model"
)

type positionDoc struct {
	Location *struct {
		Lat      *float64 `json:"lat"`
		Lng      *float64 `json:"lng"`
		Accuracy float64  `json:"accuracy"`
	} `json:"location"`
}

// ParsePosition reads location.lat/lng/accuracy from a position file. A fix
// whose accuracy is worse than maxAccuracy is dropped; 0 disables the filter,
// and so does a fix that reports no accuracy.
func ParsePosition(data []byte, source model.FileKind, maxAccuracy float64) (*model.PositionFix, error) {
	var doc positionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse position json: %w", err)
	}
	if doc.Location == nil || doc.Location.Lat == nil || doc.Location.Lng == nil {
		return nil, nil
	}
	accuracy := doc.Location.Accuracy
	if maxAccuracy > 0 && accuracy > 0 && accuracy > maxAccuracy {
		return nil, nil
	}
	return &model.PositionFix{
		Lat:      *doc.Location.Lat,
		Lng:      *doc.Location.Lng,
		Accuracy: accuracy,
		Source:   source,
	}, nil
}

// PrettyJSON re-indents a JSON document for display.
func PrettyJSON(data []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return json.MarshalIndent(v, "", "  ")
}
