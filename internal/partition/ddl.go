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
	"fmt"
	"time"
)

const pgTimestampLayout = "2006-01-02 15:04:05+00"

// CreateDDL renders the PostgreSQL statement creating one range partition of parent.
func CreateDDL(parent string, s Spec) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
		s.Name, parent, s.From.UTC().Format(pgTimestampLayout), s.To.UTC().Format(pgTimestampLayout))
}

// DefaultDDL renders the PostgreSQL statement creating the catch-all partition of parent.
func DefaultDDL(parent string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s DEFAULT`, DefaultName(parent), parent)
}

// ParseBound parses a partition bound as printed by pg_get_expr for a timestamptz key.
func ParseBound(s string) (time.Time, error) {
	for _, layout := range []string{pgTimestampLayout, "2006-01-02 15:04:05-07", "2006-01-02 15:04:05-07:00", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised partition bound %q", s)
}
