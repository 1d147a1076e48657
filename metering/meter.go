// Package metering turns the input and output of a metered invocation into a
// usage record, preferring provider-reported counts over estimates.
package metering

import (
	"unicode/utf8"

	"github.com/vitwit/x402gate/types"
)

// Source records where a usage record came from.
type Source string

const (
	SourceReported  Source = "reported"
	SourceEstimated Source = "estimated"
)

// CharsPerUnit is the estimation ratio: roughly four characters per token.
const CharsPerUnit = 4

// Measurement is a usage record tagged with its provenance.
type Measurement struct {
	Source Source            `json:"source"`
	Record types.UsageRecord `json:"usage"`
}

// Estimated reports whether the record was derived from text length.
func (m Measurement) Estimated() bool {
	return m.Source == SourceEstimated
}

// Meter measures usage. The zero value is ready to use.
type Meter struct{}

// NewMeter returns a usage meter.
func NewMeter() *Meter {
	return &Meter{}
}

// Measure returns reported verbatim when it carries a non-zero total, and
// otherwise estimates from input and output. It never fails.
func (m *Meter) Measure(input, output string, reported *types.UsageRecord) Measurement {
	if reported != nil && reported.TotalUnits > 0 {
		return Measurement{Source: SourceReported, Record: *reported}
	}

	in := Estimate(input)
	out := Estimate(output)
	return Measurement{
		Source: SourceEstimated,
		Record: types.UsageRecord{
			InputUnits:  in,
			OutputUnits: out,
			TotalUnits:  in + out,
		},
	}
}

// Estimate returns ceil(runes/CharsPerUnit) for text.
func Estimate(text string) uint64 {
	n := uint64(utf8.RuneCountInString(text))
	return (n + CharsPerUnit - 1) / CharsPerUnit
}
