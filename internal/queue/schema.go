// Copyright (c) 2026 Caseforge Ltd
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

package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/caseforge/ingestion/internal/models"
)

// DescriptorSchema is the submission contract the web-application layer
// must satisfy. Descriptors are validated before a job is created so a
// malformed submission never occupies a worker.
const DescriptorSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["archive_bucket", "archive_key", "owner_type", "owner_id", "idempotency_key"],
	"properties": {
		"archive_bucket":  {"type": "string", "minLength": 1},
		"archive_key":     {"type": "string", "minLength": 1},
		"owner_type":      {"enum": ["case", "project"]},
		"owner_id":        {"type": "string", "format": "uuid", "minLength": 36},
		"idempotency_key": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`

var descriptorSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(DescriptorSchema))
	if err != nil {
		panic(fmt.Sprintf("queue: parse descriptor schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("descriptor.json", doc); err != nil {
		panic(fmt.Sprintf("queue: add descriptor schema: %v", err))
	}
	sch, err := c.Compile("descriptor.json")
	if err != nil {
		panic(fmt.Sprintf("queue: compile descriptor schema: %v", err))
	}
	return sch
}

// ValidateDescriptor checks raw descriptor JSON against the submission
// contract and returns the parsed descriptor.
func ValidateDescriptor(raw []byte) (*models.JobDescriptor, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse job descriptor: %w", err)
	}
	if err := descriptorSchema.Validate(inst); err != nil {
		return nil, fmt.Errorf("invalid job descriptor: %w", err)
	}

	var d models.JobDescriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode job descriptor: %w", err)
	}
	return &d, nil
}
