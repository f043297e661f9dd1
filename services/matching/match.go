package matching

import (
	"log/slog"
	"slices"
	"strings"

	"remores-dl/lib/canvas"
	"remores-dl/lib/scrapers/remores"
	"remores-dl/lib/textutil"

	"github.com/antzucaro/matchr"
)

type Confidence string

const (
	ConfidenceExact Confidence = "exact"
	ConfidenceName  Confidence = "name"
	ConfidenceFuzzy Confidence = "fuzzy"
)

type Status string

const (
	StatusMatched   Status = "matched"
	StatusAmbiguous Status = "ambiguous"
	StatusNotFound  Status = "not_found"
)

// Result resolves one booking to at most one Canvas user. Bookings that
// cannot be resolved keep a nil User and a status explaining why, so the
// operator can sort them out by hand.
type Result struct {
	Booking    remores.Booking
	User       *canvas.User
	Confidence Confidence
	Status     Status
	// Candidates holds the equally ranked users of an ambiguous result.
	Candidates []canvas.User
}

type Options struct {
	// FuzzyThreshold enables a JaroWinkler similarity pass over the
	// bookings left unresolved by exact and name matching. 0 disables
	// it. A fuzzy candidate only wins when it clears the threshold and
	// the runner-up does not.
	FuzzyThreshold float64
}

// identifierKeys returns the comparison keys of a Canvas user: the login
// id, its local part, and the SIS id, all lowercased.
func identifierKeys(user canvas.User) []string {
	var keys []string
	if user.LoginId != "" {
		login := strings.ToLower(user.LoginId)
		keys = append(keys, login)
		if local, _, found := strings.Cut(login, "@"); found && local != "" {
			keys = append(keys, local)
		}
	}
	if user.SisUserId != "" {
		keys = append(keys, strings.ToLower(user.SisUserId))
	}
	return keys
}

// MatchAll resolves every booking against the course enrollment. It is a
// total function over bookings: the returned slice has exactly one entry
// per booking, in booking order, and no Canvas user is ever assigned to
// more than one booking.
func MatchAll(bookings []remores.Booking, users []canvas.User, opts Options) []Result {
	results := make([]Result, len(bookings))
	for i, booking := range bookings {
		results[i] = Result{Booking: booking, Status: StatusNotFound}
	}

	// remaining user ids not yet consumed by a higher confidence match
	remaining := make(map[int64]canvas.User, len(users))
	for _, user := range users {
		remaining[user.Id] = user
	}

	// pass 1: exact identifier matches consume their user immediately
	for i, booking := range bookings {
		id := strings.ToLower(booking.Identifier())
		if id == "" {
			continue
		}
		for _, user := range users {
			if _, free := remaining[user.Id]; !free {
				continue
			}
			if !slices.Contains(identifierKeys(user), id) {
				continue
			}
			user := user
			results[i] = Result{
				Booking:    booking,
				User:       &user,
				Confidence: ConfidenceExact,
				Status:     StatusMatched,
			}
			delete(remaining, user.Id)
			break
		}
	}

	matchByName(bookings, users, remaining, results)

	if opts.FuzzyThreshold > 0 {
		matchFuzzy(bookings, remaining, results, opts.FuzzyThreshold)
	}

	return results
}

// matchByName resolves the remaining bookings by normalized display name.
// Candidate sets are computed for all unresolved bookings up front: a
// user wanted by two different bookings makes both bookings ambiguous
// instead of handing the user to whichever booking came first.
func matchByName(bookings []remores.Booking, users []canvas.User, remaining map[int64]canvas.User, results []Result) {
	candidates := make([][]canvas.User, len(bookings))
	wantedBy := make(map[int64]int)

	for i, booking := range bookings {
		if results[i].Status == StatusMatched {
			continue
		}
		name := textutil.NormalizeName(booking.Name)
		if name == "" {
			continue
		}
		for _, user := range users {
			if _, free := remaining[user.Id]; !free {
				continue
			}
			if textutil.NormalizeName(user.Name) == name {
				candidates[i] = append(candidates[i], user)
				wantedBy[user.Id]++
			}
		}
	}

	for i := range bookings {
		if results[i].Status == StatusMatched || len(candidates[i]) == 0 {
			continue
		}

		contested := false
		for _, user := range candidates[i] {
			if wantedBy[user.Id] > 1 {
				contested = true
				break
			}
		}
		if len(candidates[i]) > 1 || contested {
			results[i].Status = StatusAmbiguous
			results[i].Candidates = candidates[i]
			slog.Debug(
				"ambiguous name match",
				"booking", bookings[i].Name,
				"candidates", len(candidates[i]),
			)
			continue
		}

		user := candidates[i][0]
		results[i].User = &user
		results[i].Confidence = ConfidenceName
		results[i].Status = StatusMatched
		delete(remaining, user.Id)
	}
}

// matchFuzzy is a last resort over the bookings still unresolved: the
// closest JaroWinkler name similarity wins only if it clears the
// threshold on its own. Equal top scores stay ambiguous.
func matchFuzzy(bookings []remores.Booking, remaining map[int64]canvas.User, results []Result, threshold float64) {
	for i, booking := range bookings {
		if results[i].Status != StatusNotFound {
			continue
		}
		name := textutil.NormalizeName(booking.Name)
		if name == "" {
			continue
		}

		var best, runnerUp float64
		var bestUser canvas.User
		for _, user := range remaining {
			similarity := matchr.JaroWinkler(name, textutil.NormalizeName(user.Name), false)
			if similarity > best {
				runnerUp = best
				best = similarity
				bestUser = user
			} else if similarity > runnerUp {
				runnerUp = similarity
			}
		}

		if best < threshold {
			continue
		}
		if runnerUp >= threshold {
			slog.Debug(
				"fuzzy match discarded, multiple candidates above threshold",
				"booking", booking.Name,
				"best", best,
				"runner_up", runnerUp,
			)
			results[i].Status = StatusAmbiguous
			continue
		}

		user := bestUser
		results[i].User = &user
		results[i].Confidence = ConfidenceFuzzy
		results[i].Status = StatusMatched
		delete(remaining, user.Id)
		slog.Debug("fuzzy match accepted", "booking", booking.Name, "user", user.Name, "similarity", best)
	}
}
