/*
 * Copyright 2025 VelocityCollector Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package tfsm

import (
	"fmt"
	"strings"

	"github.com/sirikothe/gotextfsm"
	"go.uber.org/zap"
)

// ParseResult is the outcome of validating one device output.
type ParseResult struct {
	Valid      bool
	TemplateID int64
	Template   string
	Records    []map[string]interface{}
	Score      float64
}

// Engine tries every template matching a filter hint against an output
// and keeps the best-scoring parse.
type Engine struct {
	store *Store
}

func NewEngine(store *Store) *Engine {
	return &Engine{store: store}
}

// Validate parses output against the filtered template set and reports
// whether the best score clears minScore.
func (e *Engine) Validate(output, filter string, minScore float64) (ParseResult, error) {
	tpl, records, score, err := e.FindBestTemplate(output, filter)
	if err != nil {
		return ParseResult{}, err
	}
	res := ParseResult{
		Valid:      score >= minScore && score > 0,
		Records:    records,
		Score:      score,
		TemplateID: tpl.ID,
		Template:   tpl.CLICommand,
	}
	return res, nil
}

// FindBestTemplate runs every candidate template over the output and
// returns the one with the highest structural score. Templates that
// fail to compile or parse are skipped.
func (e *Engine) FindBestTemplate(output, filter string) (Template, []map[string]interface{}, float64, error) {
	templates, err := e.store.Find(filter)
	if err != nil {
		return Template{}, nil, 0, err
	}

	var (
		best        Template
		bestRecords []map[string]interface{}
		bestScore   float64
	)
	for _, tpl := range templates {
		fsm := gotextfsm.TextFSM{}
		if err := fsm.ParseString(tpl.Content); err != nil {
			zap.L().Debug("template does not compile",
				zap.String("cli_command", tpl.CLICommand),
				zap.Error(err))
			continue
		}
		parser := gotextfsm.ParserOutput{}
		if err := parser.ParseTextString(output, fsm, true); err != nil {
			continue
		}
		score := scoreTemplate(parser.Dict, tpl.CLICommand)
		if score > bestScore {
			best = tpl
			bestRecords = parser.Dict
			bestScore = score
		}
	}
	return best, bestRecords, bestScore, nil
}

// scoreTemplate rates a parse on a 0-100 scale from four factors:
// record count (0-30), field richness (0-30), cell population rate
// (0-25) and cross-record consistency (0-15). Templates for version
// commands expect exactly one record and are scored accordingly.
func scoreTemplate(records []map[string]interface{}, cliCommand string) float64 {
	if len(records) == 0 {
		return 0
	}

	numRecords := len(records)
	numFields := len(records[0])
	isVersionCmd := strings.Contains(strings.ToLower(cliCommand), "version")

	var recordScore float64
	if isVersionCmd {
		if numRecords == 1 {
			recordScore = 30.0
		} else {
			recordScore = 15.0 - float64(numRecords-1)*5.0
			if recordScore < 0 {
				recordScore = 0
			}
		}
	} else {
		switch {
		case numRecords >= 10:
			recordScore = 30.0
		case numRecords >= 3:
			recordScore = 20.0 + float64(numRecords-3)*(10.0/7.0)
		default:
			recordScore = float64(numRecords) * 10.0
		}
	}

	var fieldScore float64
	switch {
	case numFields >= 10:
		fieldScore = 30.0
	case numFields >= 6:
		fieldScore = 20.0 + float64(numFields-6)*2.5
	case numFields >= 3:
		fieldScore = 10.0 + float64(numFields-3)*(10.0/3.0)
	default:
		fieldScore = float64(numFields) * 5.0
	}

	totalCells := numRecords * numFields
	populatedCells := 0
	for _, rec := range records {
		for _, v := range rec {
			if populated(v) {
				populatedCells++
			}
		}
	}
	var populationScore float64
	if totalCells > 0 {
		populationScore = float64(populatedCells) / float64(totalCells) * 25.0
	}

	consistencyScore := 15.0
	if numRecords > 1 {
		fillCounts := make(map[string]int, numFields)
		for _, rec := range records {
			for k, v := range rec {
				if populated(v) {
					fillCounts[k]++
				}
			}
		}
		consistentFields := 0
		for k := range records[0] {
			if fillCounts[k] == 0 || fillCounts[k] == numRecords {
				consistentFields++
			}
		}
		consistencyScore = 0
		if numFields > 0 {
			consistencyScore = float64(consistentFields) / float64(numFields) * 15.0
		}
	}

	return recordScore + fieldScore + populationScore + consistencyScore
}

// populated reports whether a parsed cell holds actual data. TextFSM
// list values count when any element is non-blank.
func populated(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(val) != ""
	case []string:
		for _, s := range val {
			if strings.TrimSpace(s) != "" {
				return true
			}
		}
		return false
	default:
		return strings.TrimSpace(fmt.Sprint(val)) != ""
	}
}
