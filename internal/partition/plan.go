/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package partition

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"farm-ledger-go/internal/models"
)

const (
	Day           = 24 * time.Hour
	dayLayout     = "20060102"
	defaultSuffix = "_default"
)

var (
	ErrPartitionOverlap   = errors.New("planned partition overlaps an existing partition")
	ErrInvalidTableName   = errors.New("invalid table name")
	ErrUnsupportedGranule = errors.New("unsupported partition granularity")

	identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,40}$`)
)

// Spec is one planned range partition covering [From, To). Overlap is set when an
// existing partition covers only part of the day; such a spec must not be created.
type Spec struct {
	Name    string
	From    time.Time
	To      time.Time
	Overlap error
}

// ValidateTable rejects identifiers that cannot be rendered into DDL unquoted-safe.
func ValidateTable(table string) error {
	if !identPattern.MatchString(table) {
		return fmt.Errorf("%w: %q", ErrInvalidTableName, table)
	}
	return nil
}

// ValidateGranularity accepts the only supported granularity, one partition per UTC day.
func ValidateGranularity(granularity string) error {
	if granularity != "day" {
		return fmt.Errorf("%w: %q", ErrUnsupportedGranule, granularity)
	}
	return nil
}

// DayStart truncates t to midnight UTC.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// NameFor returns the partition name holding entries created on day.
func NameFor(table string, day time.Time) string {
	return fmt.Sprintf("%s_p%s", table, DayStart(day).Format(dayLayout))
}

// DefaultName returns the catch-all partition name for table.
func DefaultName(table string) string {
	return table + defaultSuffix
}

// Plan lists the day partitions that must be created so that [DayStart(from), to)
// is fully covered. Days already inside an existing range partition are skipped.
// A day that an existing partition covers only partially is still listed, with
// Overlap set, so the caller can report it while creating the remaining days.
func Plan(table string, existing []models.PartitionDescriptor, from, to time.Time) ([]Spec, error) {
	if err := ValidateTable(table); err != nil {
		return nil, err
	}

	ranges := rangesOf(existing)
	var plan []Spec
	for day := DayStart(from); day.Before(to); day = day.Add(Day) {
		next := day.Add(Day)
		spec := Spec{Name: NameFor(table, day), From: day, To: next}
		covered := false
		for _, p := range ranges {
			if !p.From.Before(next) || !p.To.After(day) {
				continue
			}
			if !p.From.After(day) && !p.To.Before(next) {
				covered = true
				break
			}
			if spec.Overlap == nil {
				spec.Overlap = fmt.Errorf("%w: %s [%s, %s) intersects day %s",
					ErrPartitionOverlap, p.Name, p.From.Format(time.RFC3339), p.To.Format(time.RFC3339), day.Format(dayLayout))
			}
		}
		if covered {
			continue
		}
		plan = append(plan, spec)
	}
	return plan, nil
}

// Covering returns the partition that should receive a row created at t: the range
// partition containing t, otherwise the default partition. ok is false on a gap.
func Covering(descriptors []models.PartitionDescriptor, t time.Time) (p models.PartitionDescriptor, ok bool) {
	var def *models.PartitionDescriptor
	for i := range descriptors {
		d := descriptors[i]
		if d.Default {
			def = &descriptors[i]
			continue
		}
		if d.Covers(t) {
			return d, true
		}
	}
	if def != nil {
		return *def, true
	}
	return models.PartitionDescriptor{}, false
}

// CheckHealth reports gaps and overlaps across the range partitions' full timeline.
func CheckHealth(descriptors []models.PartitionDescriptor, now time.Time) *models.PartitionHealth {
	health := &models.PartitionHealth{
		CheckedAt:      now,
		PartitionCount: len(descriptors),
		Gaps:           []models.TimeRange{},
		Overlaps:       []models.PartitionOverlap{},
	}
	for _, d := range descriptors {
		if d.Default {
			health.HasDefault = true
		}
	}

	ranges := rangesOf(descriptors)
	if len(ranges) == 0 {
		return health
	}

	health.CoveredFrom = ranges[0].From
	reach := ranges[0]
	for _, p := range ranges[1:] {
		switch {
		case p.From.Before(reach.To):
			end := p.To
			if reach.To.Before(end) {
				end = reach.To
			}
			health.Overlaps = append(health.Overlaps, models.PartitionOverlap{
				First:  reach.Name,
				Second: p.Name,
				Range:  models.TimeRange{From: p.From, To: end},
			})
		case p.From.After(reach.To):
			health.Gaps = append(health.Gaps, models.TimeRange{From: reach.To, To: p.From})
		}
		if p.To.After(reach.To) {
			reach = p
		}
	}
	health.CoveredTo = reach.To
	return health
}

// rangesOf returns the non-default partitions sorted by start.
func rangesOf(descriptors []models.PartitionDescriptor) []models.PartitionDescriptor {
	ranges := make([]models.PartitionDescriptor, 0, len(descriptors))
	for _, d := range descriptors {
		if !d.Default {
			ranges = append(ranges, d)
		}
	}
	sort.Slice(ranges, func(i, j int) bool {
		if ranges[i].From.Equal(ranges[j].From) {
			return ranges[i].Name < ranges[j].Name
		}
		return ranges[i].From.Before(ranges[j].From)
	})
	return ranges
}
