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

// Package thread assigns thread identifiers by walking header-derived
// reference chains over a disjoint-set, with conversation-index and
// subject+participants fallbacks for messages whose chains are absent or
// unresolvable. Re-running over a grown message set retroactively merges
// previously separate threads; merges surface as rename operations.
package thread

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// conversationIndexRootLen is the base64 length of the 22-byte root block
// of an Outlook Thread-Index value. Replies append to the root, so the
// prefix identifies the conversation.
const conversationIndexRootLen = 27

// Node is one message as the reconstructor sees it.
type Node struct {
	ID                uuid.UUID
	MessageID         string // normalized header message id, may be empty
	InReplyTo         string
	References        []string
	ConversationIndex string
	SubjectKey        string   // normalized subject (normalize.SubjectKey)
	Participants      []string // lowercased sender + recipient addresses
	SentAt            *time.Time
	ContentHash       string
	ExistingThreadID  string // current assignment, empty on first run
}

// Rename records a retroactive thread merge: every message currently on
// From moves to To.
type Rename struct {
	From string
	To   string
}

// Assignment is the result of one reconstruction pass.
type Assignment struct {
	ThreadIDs map[uuid.UUID]string
	Renames   []Rename
	Threads   int
}

// Reconstruct groups the owner's messages into threads and picks a stable
// identifier per group. Precedence per message: header chain, then
// conversation-index root, then subject+participants. Messages no method
// can place get a synthetic singleton id derived from their content hash.
func Reconstruct(nodes []Node) Assignment {
	uf := newUnionFind(len(nodes))

	// Resolve message ids to the earliest-sent claimant so duplicated ids
	// (replayed archives) behave deterministically.
	byMessageID := make(map[string]int, len(nodes))
	for i, n := range nodes {
		if n.MessageID == "" {
			continue
		}
		if j, ok := byMessageID[n.MessageID]; !ok || earlier(nodes[i], nodes[j]) {
			byMessageID[n.MessageID] = i
		}
	}

	convRoots := make(map[string]int)
	subjectGroups := make(map[string]int)

	for i, n := range nodes {
		if linked := unionByHeaders(uf, byMessageID, i, n); linked {
			continue
		}
		// Header chain absent or unresolvable: conversation-index root.
		if root := conversationRoot(n.ConversationIndex); root != "" {
			if j, ok := convRoots[root]; ok {
				uf.Union(i, j)
			} else {
				convRoots[root] = i
			}
			continue
		}
		// Last resort: normalized subject + participant set.
		if key := subjectParticipantsKey(n); key != "" {
			if j, ok := subjectGroups[key]; ok {
				uf.Union(i, j)
			} else {
				subjectGroups[key] = i
			}
		}
	}

	// Pick one thread id per component: the message id of the earliest
	// ancestor, ties broken lexically. Cross-referenced cycles collapse
	// into one component, so earliest-sent-wins breaks them here.
	components := make(map[int][]int)
	for i := range nodes {
		root := uf.Find(i)
		components[root] = append(components[root], i)
	}

	assignment := Assignment{
		ThreadIDs: make(map[uuid.UUID]string, len(nodes)),
		Threads:   len(components),
	}

	renameSet := make(map[Rename]bool)
	for _, members := range components {
		threadID := electThreadID(nodes, members)
		for _, i := range members {
			assignment.ThreadIDs[nodes[i].ID] = threadID
			if prev := nodes[i].ExistingThreadID; prev != "" && prev != threadID {
				renameSet[Rename{From: prev, To: threadID}] = true
			}
		}
	}
	for r := range renameSet {
		assignment.Renames = append(assignment.Renames, r)
	}
	sort.Slice(assignment.Renames, func(i, j int) bool {
		if assignment.Renames[i].From != assignment.Renames[j].From {
			return assignment.Renames[i].From < assignment.Renames[j].From
		}
		return assignment.Renames[i].To < assignment.Renames[j].To
	})

	return assignment
}

// unionByHeaders links node i to every resolvable ancestor in its header
// chain. Returns true if at least one ancestor resolved within the set.
func unionByHeaders(uf *unionFind, byMessageID map[string]int, i int, n Node) bool {
	linked := false
	if n.InReplyTo != "" {
		if j, ok := byMessageID[n.InReplyTo]; ok && j != i {
			uf.Union(i, j)
			linked = true
		}
	}
	for _, ref := range n.References {
		if j, ok := byMessageID[ref]; ok && j != i {
			uf.Union(i, j)
			linked = true
		}
	}
	return linked
}

// electThreadID picks the canonical id for one component.
func electThreadID(nodes []Node, members []int) string {
	best := -1
	for _, i := range members {
		if nodes[i].MessageID == "" {
			continue
		}
		if best == -1 || earlier(nodes[i], nodes[best]) {
			best = i
		}
	}
	if best >= 0 {
		return nodes[best].MessageID
	}

	// No member carries a message id: synthesize a stable singleton id
	// from the earliest member's content hash.
	first := members[0]
	for _, i := range members[1:] {
		if earlier(nodes[i], nodes[first]) {
			first = i
		}
	}
	hash := nodes[first].ContentHash
	if len(hash) > 16 {
		hash = hash[:16]
	}
	return "solo-" + hash
}

// earlier orders nodes by sent timestamp, nil last, message id as the
// deterministic tie break.
func earlier(a, b Node) bool {
	switch {
	case a.SentAt != nil && b.SentAt != nil && !a.SentAt.Equal(*b.SentAt):
		return a.SentAt.Before(*b.SentAt)
	case a.SentAt != nil && b.SentAt == nil:
		return true
	case a.SentAt == nil && b.SentAt != nil:
		return false
	}
	if a.MessageID != b.MessageID {
		return a.MessageID < b.MessageID
	}
	return a.ContentHash < b.ContentHash
}

// conversationRoot truncates a legacy conversation index to its root block.
func conversationRoot(index string) string {
	index = strings.TrimSpace(index)
	if index == "" {
		return ""
	}
	if len(index) > conversationIndexRootLen {
		return index[:conversationIndexRootLen]
	}
	return index
}

// subjectParticipantsKey combines the normalized subject with the sorted
// participant set. Either half alone is too coarse to group on.
func subjectParticipantsKey(n Node) string {
	if n.SubjectKey == "" || len(n.Participants) == 0 {
		return ""
	}
	participants := make([]string, 0, len(n.Participants))
	seen := make(map[string]bool, len(n.Participants))
	for _, p := range n.Participants {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" && !seen[p] {
			seen[p] = true
			participants = append(participants, p)
		}
	}
	sort.Strings(participants)
	return n.SubjectKey + "|" + strings.Join(participants, ",")
}
