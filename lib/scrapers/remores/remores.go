package remores

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http/cookiejar"
	"regexp"
	"strings"
	"time"

	"remores-dl/lib/htmlutil"
	"remores-dl/lib/telemetry"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/net/html"
)

var tracer = otel.Tracer("scrapers/remores")

const DefaultBaseUrl = "https://www.csc.kth.se/cgi-bin/bokning/remores1.4/server/decoder"

const kthEmailSuffix = "@kth.se"

// Booking is one reserved time slot scraped from a REMORES reservation
// list.
type Booking struct {
	Time       time.Time
	Name       string
	Email      string
	Repository string
}

// Identifier returns the student identifier used to match the booking
// against Canvas: the local part of a KTH email, or the raw email when the
// student signed up with something else.
func (b Booking) Identifier() string {
	if strings.HasSuffix(b.Email, kthEmailSuffix) {
		return strings.TrimSuffix(b.Email, kthEmailSuffix)
	}
	return b.Email
}

// ParseError reports which named field could not be extracted from the
// scraped markup, since the site's schema drifts without notice.
type ParseError struct {
	Field   string
	Context string
}

func (e ParseError) Error() string {
	if e.Context == "" {
		return fmt.Sprintf("remores: could not find %q in scraped page", e.Field)
	}
	return fmt.Sprintf("remores: could not find %q in scraped page (%s)", e.Field, e.Context)
}

type Client struct {
	baseUrl    string
	repository string
	http       *resty.Client
}

type ClientOptions struct {
	// BaseUrl defaults to the KTH decoder endpoint.
	BaseUrl    string
	Repository string
}

func NewClient(ctx context.Context, opts ClientOptions) (*Client, error) {
	if opts.Repository == "" {
		return nil, fmt.Errorf("remores: repository name is required")
	}
	baseUrl := opts.BaseUrl
	if baseUrl == "" {
		baseUrl = DefaultBaseUrl
	}

	client := resty.New()
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client.SetCookieJar(jar)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)
	client.SetHeader("user-agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36")
	client.SetTimeout(time.Second * 30)

	telemetry.InstrumentResty(client, "scrapers/remores/http")

	return &Client{
		baseUrl:    baseUrl,
		repository: opts.Repository,
		http:       client,
	}, nil
}

// FetchBookings scrapes every reservation list belonging to the operator
// (identified by kthId) in the configured repository.
func (c *Client) FetchBookings(ctx context.Context, kthId string) ([]Booking, error) {
	ctx, span := tracer.Start(ctx, "client:FetchBookings")
	defer span.End()
	span.SetAttributes(
		attribute.String("repository", c.repository),
		attribute.String("kth_id", kthId),
	)

	res, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"request:overview": "yes",
			"repository":       c.repository,
			"shownameemail":    "yes",
		}).
		Get(c.baseUrl)
	if err != nil {
		span.SetStatus(codes.Error, "failed to fetch repository overview")
		return nil, fmt.Errorf("remores: fetch overview: %w", err)
	}
	if res.StatusCode() != 200 {
		span.SetStatus(codes.Error, "unexpected overview status")
		return nil, fmt.Errorf("remores: fetch overview: unexpected status %d", res.StatusCode())
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
	if err != nil {
		span.SetStatus(codes.Error, "failed to parse overview html")
		return nil, fmt.Errorf("remores: parse overview: %w", err)
	}

	var sublists []string
	doc.Find("input").Each(func(_ int, sel *goquery.Selection) {
		value := sel.AttrOr("value", "")
		if value != "" && strings.HasSuffix(value, kthId) {
			sublists = append(sublists, value)
		}
	})
	slog.DebugContext(ctx, "found reservation lists", "count", len(sublists))

	var bookings []Booking
	for _, sublist := range sublists {
		listBookings, err := c.fetchSublist(ctx, sublist)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, listBookings...)
	}
	return bookings, nil
}

func (c *Client) fetchSublist(ctx context.Context, event string) ([]Booking, error) {
	ctx, span := tracer.Start(ctx, "client:fetchSublist")
	defer span.End()
	span.SetAttributes(attribute.String("event", event))

	res, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"event":                    event,
			"request:reservation-view": " Hämta bokningslista ",
			"shownameemail":            "yes",
			"repository":               c.repository,
		}).
		Post(c.baseUrl)
	if err != nil {
		span.SetStatus(codes.Error, "failed to fetch reservation list")
		return nil, fmt.Errorf("remores: fetch reservation list: %w", err)
	}
	if res.StatusCode() != 200 {
		span.SetStatus(codes.Error, "unexpected reservation list status")
		return nil, fmt.Errorf("remores: fetch reservation list: unexpected status %d", res.StatusCode())
	}

	bookings, err := parseReservationList(res.Body(), c.repository)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse reservation list")
		return nil, err
	}
	return bookings, nil
}

var dateRegex = regexp.MustCompile(`\b(\d{2}-\d{2}-\d{2})\b`)
var timeRegex = regexp.MustCompile(`\b(\d{1,2}:\d{2})\b`)
var emailRegex = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+`)

// parseReservationList pulls bookings out of a reservation list page. The
// markup is ancient server-generated HTML without classes or ids, so each
// named field is located by shape (date and time patterns, email pattern)
// relative to the reservation checkboxes rather than by element position.
func parseReservationList(page []byte, repository string) ([]Booking, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(page))
	if err != nil {
		return nil, fmt.Errorf("remores: parse reservation list: %w", err)
	}

	dateMatch := dateRegex.FindString(doc.Text())
	if dateMatch == "" {
		return nil, ParseError{Field: "date"}
	}

	var bookings []Booking
	var parseErr error

	doc.Find("input[name=reservation]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if len(sel.Nodes) == 0 {
			return true
		}
		node := sel.Nodes[0]

		slotTime := findPrecedingTime(node)
		if slotTime == "" {
			parseErr = ParseError{Field: "time", Context: "before reservation input"}
			return false
		}

		name, email := findFollowingNameEmail(node)
		if name == "" {
			parseErr = ParseError{Field: "name", Context: "after reservation input"}
			return false
		}
		if email == "" {
			parseErr = ParseError{Field: "email", Context: "after reservation input"}
			return false
		}

		at, err := time.Parse("06-01-02 15:04", fmt.Sprintf("%s %s", dateMatch, slotTime))
		if err != nil {
			parseErr = ParseError{Field: "time", Context: fmt.Sprintf("unparseable value %q", slotTime)}
			return false
		}

		bookings = append(bookings, Booking{
			Time:       at,
			Name:       name,
			Email:      email,
			Repository: repository,
		})
		return true
	})

	if parseErr != nil {
		return nil, parseErr
	}
	return bookings, nil
}

// findPrecedingTime walks backwards through siblings of the reservation
// input looking for an HH:MM slot time.
func findPrecedingTime(node *html.Node) string {
	for prev := node.PrevSibling; prev != nil; prev = prev.PrevSibling {
		text := htmlutil.CleanText(htmlutil.GetText(prev))
		if m := timeRegex.FindString(text); m != "" {
			return m
		}
	}
	return ""
}

// findFollowingNameEmail walks forward through siblings of the reservation
// input. The student name is the first plain text after the checkbox, the
// email sits inside a trailing element, formatted as "Name (email)".
func findFollowingNameEmail(node *html.Node) (name string, email string) {
	for next := node.NextSibling; next != nil; next = next.NextSibling {
		text := htmlutil.CleanText(htmlutil.GetText(next))
		if text == "" {
			continue
		}

		if name == "" {
			// the name text may carry the opening paren of the email
			candidate, _, _ := strings.Cut(text, "(")
			name = strings.TrimSpace(candidate)
		}
		if m := emailRegex.FindString(text); m != "" {
			email = m
		}
		if name != "" && email != "" {
			return name, email
		}
	}
	return name, email
}
