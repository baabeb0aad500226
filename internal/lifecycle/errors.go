// Copyright (c) 2026 John Earle
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

package lifecycle

import (
	"errors"
	"fmt"

	"github.com/mailki/agent/internal/models"
)

var (
	// ErrDraftNotFound is returned for an unknown draft ID.
	ErrDraftNotFound = errors.New("draft not found")
	// ErrMessageNotFound is returned when a draft is requested for an
	// unknown or already consumed message.
	ErrMessageNotFound = errors.New("message not found or already processed")
	// ErrFeedbackRequired is returned when changes are requested without text.
	ErrFeedbackRequired = errors.New("feedback text is required")
	// ErrSendInProgress is returned when another process holds the send
	// claim for the draft's thread.
	ErrSendInProgress = errors.New("a reply to this thread is already being sent")
)

// TamperedDraftError means the stored body no longer matches the hash
// recorded when it was generated.
type TamperedDraftError struct {
	DraftID    string
	StoredHash string
	ActualHash string
}

func (e *TamperedDraftError) Error() string {
	return fmt.Sprintf("draft %s was modified after generation", e.DraftID)
}

// DuplicateSendError means a reply already went out in the draft's thread.
// The draft is left in status sent.
type DuplicateSendError struct {
	DraftID  string
	ThreadID string
}

func (e *DuplicateSendError) Error() string {
	return fmt.Sprintf("draft %s: thread %s already has a sent reply", e.DraftID, e.ThreadID)
}

// InvalidTransitionError means the event is not allowed from the draft's
// current status.
type InvalidTransitionError struct {
	DraftID string
	From    models.DraftStatus
	Event   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("draft %s: cannot %s from status %s", e.DraftID, e.Event, e.From)
}
