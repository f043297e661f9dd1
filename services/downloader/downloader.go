package downloader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"remores-dl/lib/canvas"
	"remores-dl/lib/textutil"
	"remores-dl/services/matching"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("downloader")

type Status string

const (
	StatusWritten Status = "written"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

const (
	ReasonAlreadyExists    = "already_exists"
	ReasonUnmatchedBooking = "unmatched_booking"
	ReasonNoSubmission     = "no_submission"
	ReasonNoAttachments    = "no_attachments"
	ReasonCancelled        = "cancelled"
)

// Outcome records what happened to one attachment (or to one booking, when
// the booking never produced an attachment to fetch).
type Outcome struct {
	Identifier string
	Student    string
	TargetPath string
	Status     Status
	Reason     string
}

// SubmissionSource is the slice of the Canvas client the orchestrator
// needs.
type SubmissionSource interface {
	ListSubmissions(ctx context.Context, courseId, assignmentId int64) ([]canvas.Submission, error)
	DownloadAttachment(ctx context.Context, url string) (io.ReadCloser, error)
}

type Request struct {
	Matches      []matching.Result
	CourseId     int64
	AssignmentId int64
	TargetDir    string
	// Workers bounds download concurrency, <= 0 means 4.
	Workers int
}

type Orchestrator struct {
	source SubmissionSource
}

func NewOrchestrator(source SubmissionSource) *Orchestrator {
	return &Orchestrator{source: source}
}

// DownloadAll fetches the submission list once, then downloads the latest
// submission's attachments for every matched booking with bounded
// concurrency. Per-item failures become failed outcomes, they never abort
// the batch; only a failure to list submissions at all is returned as an
// error.
func (o *Orchestrator) DownloadAll(ctx context.Context, req Request) ([]Outcome, error) {
	ctx, span := tracer.Start(ctx, "orchestrator:DownloadAll")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("course_id", req.CourseId),
		attribute.Int64("assignment_id", req.AssignmentId),
		attribute.Int("matches", len(req.Matches)),
	)

	submissions, err := o.source.ListSubmissions(ctx, req.CourseId, req.AssignmentId)
	if err != nil {
		span.SetStatus(codes.Error, "failed to list submissions")
		return nil, err
	}
	byUser := make(map[int64][]canvas.Submission)
	for _, sub := range submissions {
		byUser[sub.UserId] = append(byUser[sub.UserId], sub)
	}

	if err := os.MkdirAll(req.TargetDir, 0o755); err != nil {
		span.SetStatus(codes.Error, "failed to create target directory")
		return nil, fmt.Errorf("create target directory: %w", err)
	}

	workers := req.Workers
	if workers <= 0 {
		workers = 4
	}

	var mu sync.Mutex
	var outcomes []Outcome
	reserved := map[string]bool{}

	collect := func(items ...Outcome) {
		mu.Lock()
		defer mu.Unlock()
		outcomes = append(outcomes, items...)
	}

	// reserve guarantees no two outcomes of this run target the same
	// path, independently of what is already on disk
	reserve := func(path string) bool {
		mu.Lock()
		defer mu.Unlock()
		if reserved[path] {
			return false
		}
		reserved[path] = true
		return true
	}

	var group errgroup.Group
	group.SetLimit(workers)

	for _, match := range req.Matches {
		match := match

		if ctx.Err() != nil {
			collect(Outcome{
				Identifier: match.Booking.Identifier(),
				Student:    match.Booking.Name,
				Status:     StatusFailed,
				Reason:     ReasonCancelled,
			})
			continue
		}

		group.Go(func() error {
			collect(o.downloadMatch(ctx, req, match, byUser, reserve)...)
			return nil
		})
	}
	group.Wait()

	slices.SortFunc(outcomes, func(a, b Outcome) int {
		if c := strings.Compare(a.Identifier, b.Identifier); c != 0 {
			return c
		}
		return strings.Compare(a.TargetPath, b.TargetPath)
	})
	return outcomes, nil
}

func (o *Orchestrator) downloadMatch(
	ctx context.Context,
	req Request,
	match matching.Result,
	byUser map[int64][]canvas.Submission,
	reserve func(string) bool,
) []Outcome {
	identifier := match.Booking.Identifier()
	base := Outcome{
		Identifier: identifier,
		Student:    match.Booking.Name,
	}

	if match.User == nil {
		base.Status = StatusFailed
		base.Reason = ReasonUnmatchedBooking
		return []Outcome{base}
	}

	submission, ok := latestSubmission(byUser[match.User.Id])
	if !ok {
		base.Status = StatusFailed
		base.Reason = ReasonNoSubmission
		return []Outcome{base}
	}
	if len(submission.Attachments) == 0 {
		base.Status = StatusFailed
		base.Reason = ReasonNoAttachments
		return []Outcome{base}
	}

	var outcomes []Outcome
	for _, attachment := range submission.Attachments {
		outcome := base
		outcome.TargetPath = filepath.Join(req.TargetDir, targetName(match, attachment))

		if !reserve(outcome.TargetPath) {
			outcome.Status = StatusSkipped
			outcome.Reason = ReasonAlreadyExists
			outcomes = append(outcomes, outcome)
			continue
		}

		switch err := o.fetchAttachment(ctx, attachment.Url, outcome.TargetPath); {
		case err == nil:
			outcome.Status = StatusWritten
			slog.InfoContext(ctx, "downloaded attachment", "student", identifier, "path", outcome.TargetPath)
		case os.IsExist(err):
			outcome.Status = StatusSkipped
			outcome.Reason = ReasonAlreadyExists
		default:
			outcome.Status = StatusFailed
			outcome.Reason = err.Error()
			slog.WarnContext(ctx, "failed to download attachment", "student", identifier, "err", err)
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// fetchAttachment creates the target exclusively, streams the attachment
// into it, and removes the file again on any failure so a broken transfer
// never leaves a partial artifact behind.
func (o *Orchestrator) fetchAttachment(ctx context.Context, url, path string) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}

	body, err := o.source.DownloadAttachment(ctx, url)
	if err != nil {
		file.Close()
		os.Remove(path)
		return err
	}
	defer body.Close()

	if _, err := io.Copy(file, body); err != nil {
		file.Close()
		os.Remove(path)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

// latestSubmission picks the most recent submission by submission time,
// ties broken by the higher attempt number.
func latestSubmission(submissions []canvas.Submission) (canvas.Submission, bool) {
	var best canvas.Submission
	found := false
	for _, sub := range submissions {
		if sub.SubmittedAt == nil {
			continue
		}
		if !found {
			best = sub
			found = true
			continue
		}
		switch {
		case sub.SubmittedAt.After(*best.SubmittedAt):
			best = sub
		case sub.SubmittedAt.Equal(*best.SubmittedAt) && sub.Attempt > best.Attempt:
			best = sub
		}
	}
	return best, found
}

// targetName derives the deterministic on-disk name: slot timestamp,
// student identifier, original attachment filename.
func targetName(match matching.Result, attachment canvas.Attachment) string {
	return fmt.Sprintf(
		"%s-%s-%s",
		match.Booking.Time.Format("200601021504"),
		textutil.SanitizeFilename(match.Booking.Identifier()),
		textutil.SanitizeFilename(attachment.DisplayName),
	)
}
