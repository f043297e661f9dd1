package canvas

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"remores-dl/lib/telemetry"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("canvas")

const DefaultBaseUrl = "https://canvas.kth.se/api/v1"

type Course struct {
	Id          int64        `json:"id"`
	Name        string       `json:"name"`
	CreatedAt   *time.Time   `json:"created_at"`
	Enrollments []Enrollment `json:"enrollments"`
}

type Enrollment struct {
	Type string `json:"type"`
}

type Assignment struct {
	Id          int64      `json:"id"`
	Name        string     `json:"name"`
	DueAt       *time.Time `json:"due_at"`
	Published   bool       `json:"published"`
	GradingType string     `json:"grading_type"`
}

type User struct {
	Id        int64  `json:"id"`
	Name      string `json:"name"`
	LoginId   string `json:"login_id"`
	SisUserId string `json:"sis_user_id"`
}

type Attachment struct {
	Url         string `json:"url"`
	DisplayName string `json:"display_name"`
	ContentType string `json:"content-type"`
}

type Submission struct {
	Id          int64        `json:"id"`
	UserId      int64        `json:"user_id"`
	Attempt     int          `json:"attempt"`
	SubmittedAt *time.Time   `json:"submitted_at"`
	Attachments []Attachment `json:"attachments"`
	User        *User        `json:"user"`
}

// ApiError carries the HTTP status so callers can tell an expired token
// (401/403) from a missing resource (404) from a server failure (5xx).
type ApiError struct {
	Status  int
	Message string
	Url     string
}

func (e ApiError) Error() string {
	return fmt.Sprintf("canvas: %s returned %d: %s", e.Url, e.Status, e.Message)
}

func (e ApiError) NotFound() bool {
	return e.Status == 404
}

type Client struct {
	http *resty.Client
}

type ClientOptions struct {
	// BaseUrl defaults to the KTH Canvas API.
	BaseUrl string
	Token   string
}

func NewClient(opts ClientOptions) *Client {
	baseUrl := opts.BaseUrl
	if baseUrl == "" {
		baseUrl = DefaultBaseUrl
	}

	client := resty.New()
	client.SetBaseURL(baseUrl)
	client.SetAuthToken(opts.Token)
	client.SetTimeout(time.Second * 30)

	// 4xx responses are never retried, transient 5xx and transport
	// failures get two more attempts with backoff
	client.SetRetryCount(2)
	client.SetRetryWaitTime(time.Millisecond * 500)
	client.SetRetryMaxWaitTime(time.Second * 5)
	client.AddRetryCondition(func(res *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		return res.StatusCode() >= 500
	})

	telemetry.InstrumentResty(client, "canvas/http")

	return &Client{http: client}
}

// ListCourses returns the courses where the token's owner has a staff
// enrollment, newest first.
func (c *Client) ListCourses(ctx context.Context) ([]Course, error) {
	ctx, span := tracer.Start(ctx, "client:ListCourses")
	defer span.End()

	courses, err := paginate[Course](ctx, c, "/courses", nil)
	if err != nil {
		span.SetStatus(codes.Error, "failed to list courses")
		return nil, err
	}

	var staffCourses []Course
	for _, course := range courses {
		if slices.ContainsFunc(course.Enrollments, func(e Enrollment) bool {
			return e.Type != "student"
		}) {
			staffCourses = append(staffCourses, course)
		}
	}

	slices.SortFunc(staffCourses, func(a, b Course) int {
		return timeOrZero(b.CreatedAt).Compare(timeOrZero(a.CreatedAt))
	})
	return staffCourses, nil
}

var gradeableTypes = []string{"pass_fail", "points", "letter_grade"}

// ListAssignments returns the published, gradeable assignments of a
// course sorted by due date.
func (c *Client) ListAssignments(ctx context.Context, courseId int64) ([]Assignment, error) {
	ctx, span := tracer.Start(ctx, "client:ListAssignments")
	defer span.End()
	span.SetAttributes(attribute.Int64("course_id", courseId))

	assignments, err := paginate[Assignment](ctx, c, fmt.Sprintf("/courses/%d/assignments", courseId), nil)
	if err != nil {
		span.SetStatus(codes.Error, "failed to list assignments")
		return nil, err
	}

	var gradeable []Assignment
	for _, a := range assignments {
		if a.Published && slices.Contains(gradeableTypes, a.GradingType) {
			gradeable = append(gradeable, a)
		}
	}

	now := time.Now()
	slices.SortFunc(gradeable, func(a, b Assignment) int {
		return timeOrNow(a.DueAt, now).Compare(timeOrNow(b.DueAt, now))
	})
	return gradeable, nil
}

// ListEnrollments returns the students enrolled in a course.
func (c *Client) ListEnrollments(ctx context.Context, courseId int64) ([]User, error) {
	ctx, span := tracer.Start(ctx, "client:ListEnrollments")
	defer span.End()
	span.SetAttributes(attribute.Int64("course_id", courseId))

	users, err := paginate[User](ctx, c, fmt.Sprintf("/courses/%d/users", courseId), map[string]string{
		"enrollment_type[]": "student",
	})
	if err != nil {
		span.SetStatus(codes.Error, "failed to list enrollments")
		return nil, err
	}
	return users, nil
}

// ListSubmissions returns every submission handed in for an assignment,
// with the submitting user inlined.
func (c *Client) ListSubmissions(ctx context.Context, courseId, assignmentId int64) ([]Submission, error) {
	ctx, span := tracer.Start(ctx, "client:ListSubmissions")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("course_id", courseId),
		attribute.Int64("assignment_id", assignmentId),
	)

	submissions, err := paginate[Submission](
		ctx, c,
		fmt.Sprintf("/courses/%d/assignments/%d/submissions", courseId, assignmentId),
		map[string]string{"include[]": "user"},
	)
	if err != nil {
		span.SetStatus(codes.Error, "failed to list submissions")
		return nil, err
	}
	return submissions, nil
}

// DownloadAttachment streams the attachment bytes. The caller owns the
// returned reader.
func (c *Client) DownloadAttachment(ctx context.Context, url string) (io.ReadCloser, error) {
	ctx, span := tracer.Start(ctx, "client:DownloadAttachment")
	defer span.End()
	span.SetAttributes(attribute.String("url", url))

	res, err := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		span.SetStatus(codes.Error, "failed to fetch attachment")
		return nil, err
	}
	if res.StatusCode() >= 300 {
		res.RawBody().Close()
		span.SetStatus(codes.Error, "unexpected attachment status")
		return nil, ApiError{
			Status: res.StatusCode(),
			Url:    url,
		}
	}
	return res.RawBody(), nil
}

// paginate fetches a Canvas collection endpoint page by page, following
// RFC 5988 Link headers until the `next` relation disappears, and returns
// the merged result. Callers never see partial pages.
func paginate[T any](ctx context.Context, c *Client, path string, query map[string]string) ([]T, error) {
	url := path
	first := true

	var out []T
	for {
		req := c.http.R().SetContext(ctx)
		if first {
			// next links embed their own query parameters
			req.SetQueryParam("per_page", "100")
			req.SetQueryParams(query)
			first = false
		}

		res, err := req.Get(url)
		if err != nil {
			return nil, fmt.Errorf("canvas: fetch %s: %w", path, err)
		}
		if !res.IsSuccess() {
			return nil, ApiError{
				Status:  res.StatusCode(),
				Message: strings.TrimSpace(res.String()),
				Url:     res.Request.URL,
			}
		}

		var page []T
		if err := json.Unmarshal(res.Body(), &page); err != nil {
			return nil, fmt.Errorf("canvas: decode %s: %w", path, err)
		}
		out = append(out, page...)

		next := nextPageLink(res.Header().Get("Link"))
		if next == "" {
			return out, nil
		}
		url = next
	}
}

func nextPageLink(header string) string {
	for _, link := range strings.Split(header, ",") {
		sections := strings.Split(link, ";")
		if len(sections) < 2 {
			continue
		}
		if !strings.Contains(sections[1], `rel="next"`) {
			continue
		}
		return strings.Trim(strings.TrimSpace(sections[0]), "<>")
	}
	return ""
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func timeOrNow(t *time.Time, now time.Time) time.Time {
	if t == nil {
		return now
	}
	return *t
}
