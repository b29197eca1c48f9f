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

package models

import "time"

type PartitionStatus string

const (
	PartitionPlanned PartitionStatus = "planned"
	PartitionCreated PartitionStatus = "created"
	PartitionExists  PartitionStatus = "exists"
	PartitionFailed  PartitionStatus = "failed"
)

// PartitionDescriptor describes one physical subdivision of the ledger covering [From, To).
// A default partition has zero From/To and absorbs anything no range partition covers.
type PartitionDescriptor struct {
	Name      string          `db:"name" json:"name"`
	From      time.Time       `db:"range_from" json:"from"`
	To        time.Time       `db:"range_to" json:"to"`
	Default   bool            `db:"is_default" json:"default"`
	Status    PartitionStatus `db:"-" json:"status,omitempty"`
	Error     string          `db:"-" json:"error,omitempty"`
	RowCount  int64           `db:"row_count" json:"row_count"`
	SizeBytes int64           `db:"size_bytes" json:"size_bytes,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// Covers reports whether the range partition contains t.
func (p PartitionDescriptor) Covers(t time.Time) bool {
	if p.Default {
		return false
	}
	return !t.Before(p.From) && t.Before(p.To)
}

// TimeRange is a half-open interval [From, To)
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// PartitionOverlap names two range partitions whose intervals intersect
type PartitionOverlap struct {
	First  string    `json:"first"`
	Second string    `json:"second"`
	Range  TimeRange `json:"range"`
}

// PartitionHealth is the result of a full-timeline coverage check
type PartitionHealth struct {
	CheckedAt      time.Time          `json:"checked_at"`
	PartitionCount int                `json:"partition_count"`
	HasDefault     bool               `json:"has_default"`
	CoveredFrom    time.Time          `json:"covered_from"`
	CoveredTo      time.Time          `json:"covered_to"`
	Gaps           []TimeRange        `json:"gaps"`
	Overlaps       []PartitionOverlap `json:"overlaps"`
}

// Healthy reports whether the range partitions form one contiguous, non-overlapping timeline.
func (h *PartitionHealth) Healthy() bool {
	return len(h.Gaps) == 0 && len(h.Overlaps) == 0
}
