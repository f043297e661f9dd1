package downloader

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"remores-dl/lib/canvas"
	"remores-dl/lib/scrapers/remores"
	"remores-dl/services/matching"

	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	submissions []canvas.Submission

	mu        sync.Mutex
	downloads int
	// urls whose stream breaks halfway through
	brokenUrls map[string]bool
}

func (f *fakeSource) ListSubmissions(ctx context.Context, courseId, assignmentId int64) ([]canvas.Submission, error) {
	return f.submissions, nil
}

func (f *fakeSource) DownloadAttachment(ctx context.Context, url string) (io.ReadCloser, error) {
	f.mu.Lock()
	f.downloads++
	f.mu.Unlock()

	if f.brokenUrls[url] {
		return io.NopCloser(&brokenReader{}), nil
	}
	return io.NopCloser(strings.NewReader("contents of " + url)), nil
}

type brokenReader struct {
	sent bool
}

func (r *brokenReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, []byte("partial")), nil
	}
	return 0, errors.New("connection reset")
}

func ts(hour int) *time.Time {
	at := time.Date(2024, 3, 10, hour, 0, 0, 0, time.UTC)
	return &at
}

func matchedResult(id int64, kthId, name string, confidence matching.Confidence) matching.Result {
	return matching.Result{
		Booking: remores.Booking{
			Time:  time.Date(2024, 3, 14, 15, 0, 0, 0, time.UTC),
			Name:  name,
			Email: kthId + "@kth.se",
		},
		User:       &canvas.User{Id: id, Name: name, LoginId: kthId + "@kth.se"},
		Confidence: confidence,
		Status:     matching.StatusMatched,
	}
}

func TestDownloadAll(t *testing.T) {
	dir := t.TempDir()
	source := &fakeSource{
		submissions: []canvas.Submission{
			{Id: 1, UserId: 10, Attempt: 1, SubmittedAt: ts(12), Attachments: []canvas.Attachment{
				{Url: "https://files/a1", DisplayName: "report.pdf"},
			}},
		},
	}

	outcomes, err := NewOrchestrator(source).DownloadAll(context.Background(), Request{
		Matches: []matching.Result{
			matchedResult(10, "ann", "Ann Andersson", matching.ConfidenceExact),
			{
				Booking: remores.Booking{Name: "Ghost", Email: "ghost@gmail.com"},
				Status:  matching.StatusNotFound,
			},
		},
		TargetDir: dir,
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	require.Equal(t, StatusWritten, outcomes[0].Status)
	require.Equal(t, filepath.Join(dir, "202403141500-ann-report.pdf"), outcomes[0].TargetPath)
	contents, err := os.ReadFile(outcomes[0].TargetPath)
	require.NoError(t, err)
	require.Equal(t, "contents of https://files/a1", string(contents))

	require.Equal(t, StatusFailed, outcomes[1].Status)
	require.Equal(t, ReasonUnmatchedBooking, outcomes[1].Reason)
}

func TestLatestSubmissionWins(t *testing.T) {
	dir := t.TempDir()
	source := &fakeSource{
		submissions: []canvas.Submission{
			{Id: 1, UserId: 10, Attempt: 1, SubmittedAt: ts(9), Attachments: []canvas.Attachment{
				{Url: "https://files/old", DisplayName: "v1.pdf"},
			}},
			{Id: 2, UserId: 10, Attempt: 2, SubmittedAt: ts(14), Attachments: []canvas.Attachment{
				{Url: "https://files/new", DisplayName: "v2.pdf"},
			}},
		},
	}

	outcomes, err := NewOrchestrator(source).DownloadAll(context.Background(), Request{
		Matches:   []matching.Result{matchedResult(10, "ann", "Ann", matching.ConfidenceExact)},
		TargetDir: dir,
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, StatusWritten, outcomes[0].Status)
	require.Contains(t, outcomes[0].TargetPath, "v2.pdf")
}

func TestNoSubmission(t *testing.T) {
	source := &fakeSource{}

	outcomes, err := NewOrchestrator(source).DownloadAll(context.Background(), Request{
		Matches:   []matching.Result{matchedResult(10, "ann", "Ann", matching.ConfidenceExact)},
		TargetDir: t.TempDir(),
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, StatusFailed, outcomes[0].Status)
	require.Equal(t, ReasonNoSubmission, outcomes[0].Reason)
}

func TestExistingFileIsSkippedNotOverwritten(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "202403141500-ann-report.pdf")
	require.NoError(t, os.WriteFile(existing, []byte("precious"), 0o644))

	source := &fakeSource{
		submissions: []canvas.Submission{
			{Id: 1, UserId: 10, Attempt: 1, SubmittedAt: ts(12), Attachments: []canvas.Attachment{
				{Url: "https://files/a1", DisplayName: "report.pdf"},
			}},
		},
	}

	outcomes, err := NewOrchestrator(source).DownloadAll(context.Background(), Request{
		Matches:   []matching.Result{matchedResult(10, "ann", "Ann", matching.ConfidenceExact)},
		TargetDir: dir,
	})
	require.NoError(t, err)
	require.Equal(t, StatusSkipped, outcomes[0].Status)
	require.Equal(t, ReasonAlreadyExists, outcomes[0].Reason)

	contents, err := os.ReadFile(existing)
	require.NoError(t, err)
	require.Equal(t, "precious", string(contents))
}

func TestCollidingTargetPathsWithinRun(t *testing.T) {
	dir := t.TempDir()
	// two submissions from the same user attach the same filename at the
	// same slot time through two different bookings matched to two users
	source := &fakeSource{
		submissions: []canvas.Submission{
			{Id: 1, UserId: 10, Attempt: 1, SubmittedAt: ts(12), Attachments: []canvas.Attachment{
				{Url: "https://files/a1", DisplayName: "report.pdf"},
			}},
			{Id: 2, UserId: 11, Attempt: 1, SubmittedAt: ts(12), Attachments: []canvas.Attachment{
				{Url: "https://files/a2", DisplayName: "report.pdf"},
			}},
		},
	}

	first := matchedResult(10, "ann", "Ann", matching.ConfidenceExact)
	second := matchedResult(11, "ann", "Ann Twin", matching.ConfidenceName)

	outcomes, err := NewOrchestrator(source).DownloadAll(context.Background(), Request{
		Matches:   []matching.Result{first, second},
		TargetDir: dir,
		Workers:   1,
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	statuses := []Status{outcomes[0].Status, outcomes[1].Status}
	require.Contains(t, statuses, StatusWritten)
	require.Contains(t, statuses, StatusSkipped)

	var skipped Outcome
	for _, o := range outcomes {
		if o.Status == StatusSkipped {
			skipped = o
		}
	}
	require.Equal(t, ReasonAlreadyExists, skipped.Reason)
}

func TestInterruptedDownloadLeavesNoFile(t *testing.T) {
	dir := t.TempDir()
	source := &fakeSource{
		submissions: []canvas.Submission{
			{Id: 1, UserId: 10, Attempt: 1, SubmittedAt: ts(12), Attachments: []canvas.Attachment{
				{Url: "https://files/broken", DisplayName: "report.pdf"},
			}},
		},
		brokenUrls: map[string]bool{"https://files/broken": true},
	}

	outcomes, err := NewOrchestrator(source).DownloadAll(context.Background(), Request{
		Matches:   []matching.Result{matchedResult(10, "ann", "Ann", matching.ConfidenceExact)},
		TargetDir: dir,
	})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, outcomes[0].Status)
	require.Contains(t, outcomes[0].Reason, "connection reset")

	_, statErr := os.Stat(outcomes[0].TargetPath)
	require.True(t, os.IsNotExist(statErr), "partial file must be removed")
}

func TestCancelledRunStopsIssuingRequests(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	source := &fakeSource{
		submissions: []canvas.Submission{
			{Id: 1, UserId: 10, Attempt: 1, SubmittedAt: ts(12), Attachments: []canvas.Attachment{
				{Url: "https://files/a1", DisplayName: "report.pdf"},
			}},
		},
	}

	outcomes, err := NewOrchestrator(source).DownloadAll(ctx, Request{
		Matches:   []matching.Result{matchedResult(10, "ann", "Ann", matching.ConfidenceExact)},
		TargetDir: t.TempDir(),
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Equal(t, StatusFailed, outcomes[0].Status)
	require.Equal(t, ReasonCancelled, outcomes[0].Reason)
	require.Equal(t, 0, source.downloads)
}

func TestMultipleAttachments(t *testing.T) {
	dir := t.TempDir()
	source := &fakeSource{
		submissions: []canvas.Submission{
			{Id: 1, UserId: 10, Attempt: 1, SubmittedAt: ts(12), Attachments: []canvas.Attachment{
				{Url: "https://files/a1", DisplayName: "code.zip"},
				{Url: "https://files/a2", DisplayName: "report.pdf"},
			}},
		},
	}

	outcomes, err := NewOrchestrator(source).DownloadAll(context.Background(), Request{
		Matches:   []matching.Result{matchedResult(10, "ann", "Ann", matching.ConfidenceExact)},
		TargetDir: dir,
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	for _, outcome := range outcomes {
		require.Equal(t, StatusWritten, outcome.Status)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}
