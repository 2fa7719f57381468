// Copyright 2025 The depotfs Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package catalog

import (
	"time"

	"github.com/uptrace/bun"
)

// Bun ORM models for the depotfs catalog tables.
// Times are stored as Unix timestamps in the database.

// Task types consumed by the background job.
const (
	TaskVideoConvert       = "video_convert"
	TaskGeneralClassify    = "general_classification"
	TaskFoodClassify       = "food_classification"
	TaskDanbooruClassify   = "deepdanbooru_classification"
)

// ClassificationTaskTypes lists every classification task type, in the order
// uploads enqueue them.
var ClassificationTaskTypes = []string{
	TaskGeneralClassify,
	TaskFoodClassify,
	TaskDanbooruClassify,
}

// FileEntryModel represents the file_entries table: one row per live path.
// The table is the source of truth for existence of managed content.
type FileEntryModel struct {
	bun.BaseModel `bun:"table:file_entries"`

	ID          string `bun:"id,pk"`
	MetadataID  string `bun:"metadata_id,notnull"`
	Path        string `bun:"path,notnull,unique"`
	ParentPath  string `bun:"parent_path,notnull"`
	IsDirectory bool   `bun:"is_directory,notnull"`
	CreatedAt   int64  `bun:"created_at,notnull"` // Unix timestamp
	UpdatedAt   int64  `bun:"updated_at,notnull"` // Unix timestamp
}

// FileEntry is the domain view of a FileEntryModel.
type FileEntry struct {
	ID          string
	MetadataID  string
	Path        string
	ParentPath  string
	IsDirectory bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ToFileEntry converts a FileEntryModel to the domain struct.
func (m *FileEntryModel) ToFileEntry() *FileEntry {
	return &FileEntry{
		ID:          m.ID,
		MetadataID:  m.MetadataID,
		Path:        m.Path,
		ParentPath:  m.ParentPath,
		IsDirectory: m.IsDirectory,
		CreatedAt:   time.Unix(m.CreatedAt, 0),
		UpdatedAt:   time.Unix(m.UpdatedAt, 0),
	}
}

// MetadataEntryModel represents the metadata_entries table: one row per
// content blob. Directories reference a zero-value record. Immutable once
// written; a copy shares it by id instead of re-probing.
type MetadataEntryModel struct {
	bun.BaseModel `bun:"table:metadata_entries"`

	ID                string `bun:"id,pk"`
	Suffix            string `bun:"suffix"`
	Size              int64  `bun:"size,notnull"`
	InternetMediaType string `bun:"internet_media_type,notnull"`
	IsVideo           bool   `bun:"is_video,notnull"`
	IsImage           bool   `bun:"is_image,notnull"`
	Data              []byte `bun:"data"` // prober output, opaque JSON
	CreatedAt         int64  `bun:"created_at,notnull"`
}

// PathLockModel represents the path_locks table. A row exists only while a
// mutating operation holds the corresponding subtree.
type PathLockModel struct {
	bun.BaseModel `bun:"table:path_locks"`

	ID   string `bun:"id,pk"`
	Path string `bun:"path,notnull"`
}

// TaskModel represents the tasks table: one row per unit of deferred
// post-processing work. Inserted on upload, deleted by the background job
// after success, never updated in place.
type TaskModel struct {
	bun.BaseModel `bun:"table:tasks"`

	ID         string `bun:"id,pk"`
	Type       string `bun:"type,notnull"`
	MetadataID string `bun:"metadata_id,notnull"`
	Path       string `bun:"path,notnull"` // stable metadata-object copy of the content
	AddedAt    int64  `bun:"added_at,notnull"`
}

// TagModel represents the tags table: classification labels written by the
// background job.
type TagModel struct {
	bun.BaseModel `bun:"table:tags"`

	ID         string  `bun:"id,pk"`
	MetadataID string  `bun:"metadata_id,notnull"`
	Label      string  `bun:"label,notnull"`
	Score      float64 `bun:"score,notnull"`
	Source     string  `bun:"source,notnull"` // task type that produced the tag
	CreatedAt  int64   `bun:"created_at,notnull"`
}
