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

// Package tfsm validates raw device output by parsing it against a
// library of TextFSM templates and scoring each parse for structural
// quality.
package tfsm

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Template is one row of the template library.
type Template struct {
	ID         int64  `gorm:"primaryKey;column:id"`
	CLICommand string `gorm:"column:cli_command"`
	Content    string `gorm:"column:textfsm_content"`
}

func (Template) TableName() string { return "templates" }

// Store reads templates from a sqlite library database.
type Store struct {
	db *gorm.DB
}

// Open opens the template library at path.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open template database: %w", err)
	}
	return NewStore(db), nil
}

// NewStore wraps an existing gorm handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Find returns the templates whose cli_command matches every token of
// the filter hint. Tokens come from splitting the hint on underscores
// (hyphens normalize to underscores first); tokens of one or two
// characters are ignored. An empty hint returns the whole library.
func (s *Store) Find(filter string) ([]Template, error) {
	q := s.db.Model(&Template{})
	for _, term := range FilterTerms(filter) {
		q = q.Where("cli_command LIKE ?", "%"+term+"%")
	}
	var templates []Template
	if err := q.Find(&templates).Error; err != nil {
		return nil, err
	}
	return templates, nil
}

// FilterTerms extracts the significant tokens of a filter hint.
func FilterTerms(filter string) []string {
	var terms []string
	for _, term := range strings.Split(strings.ReplaceAll(filter, "-", "_"), "_") {
		if len(term) > 2 {
			terms = append(terms, term)
		}
	}
	return terms
}
