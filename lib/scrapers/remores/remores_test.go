package remores

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"remores-dl/lib/telemetry"

	"github.com/stretchr/testify/require"
)

const overviewPage = `
<html><body>
<form>
<input type="checkbox" name="sublist" value="labb1.asalamon">
<input type="checkbox" name="sublist" value="labb2.asalamon">
<input type="checkbox" name="sublist" value="labb1.otherta">
</form>
</body></html>`

const reservationPage = `
<html><body>
Bokningslista<br>
24-03-14<br>
15:00 <input type="checkbox" name="reservation" value="r1"> Ann Andersson (<a href="mailto:ann@kth.se">ann@kth.se</a>)<br>
15:15 <input type="checkbox" name="reservation" value="r2"> Bob Berg (<a href="mailto:bob@gmail.com">bob@gmail.com</a>)<br>
</body></html>`

func newFakeRemores(t *testing.T) (*httptest.Server, *int) {
	sublistRequests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprint(w, overviewPage)
			return
		}
		require.NoError(t, r.ParseForm())
		require.Equal(t, "yes", r.PostForm.Get("shownameemail"))
		require.NotEmpty(t, r.PostForm.Get("event"))
		sublistRequests++
		fmt.Fprint(w, reservationPage)
	}))
	t.Cleanup(server.Close)
	return server, &sublistRequests
}

func TestFetchBookings(t *testing.T) {
	cleanup := telemetry.SetupForTesting(t, "test:remores")
	defer cleanup()

	server, sublistRequests := newFakeRemores(t)

	client, err := NewClient(context.Background(), ClientOptions{
		BaseUrl:    server.URL,
		Repository: "adk-mastarprov",
	})
	require.NoError(t, err)

	bookings, err := client.FetchBookings(context.Background(), "asalamon")
	require.NoError(t, err)

	// two of the three sublists belong to asalamon, each yields two rows
	require.Equal(t, 2, *sublistRequests)
	require.Len(t, bookings, 4)

	first := bookings[0]
	require.Equal(t, "Ann Andersson", first.Name)
	require.Equal(t, "ann@kth.se", first.Email)
	require.Equal(t, "ann", first.Identifier())
	require.Equal(t, "adk-mastarprov", first.Repository)
	require.Equal(t, time.Date(2024, 3, 14, 15, 0, 0, 0, time.UTC), first.Time)

	second := bookings[1]
	require.Equal(t, "Bob Berg", second.Name)
	require.Equal(t, "bob@gmail.com", second.Identifier(), "non-KTH emails are kept verbatim")
}

func TestFetchBookingsNoneForOperator(t *testing.T) {
	server, sublistRequests := newFakeRemores(t)

	client, err := NewClient(context.Background(), ClientOptions{
		BaseUrl:    server.URL,
		Repository: "adk-mastarprov",
	})
	require.NoError(t, err)

	bookings, err := client.FetchBookings(context.Background(), "nosuchta")
	require.NoError(t, err)
	require.Empty(t, bookings)
	require.Equal(t, 0, *sublistRequests)
}

func TestParseReservationList(t *testing.T) {
	bookings, err := parseReservationList([]byte(reservationPage), "repo")
	require.NoError(t, err)
	require.Len(t, bookings, 2)
	require.Equal(t, "15:15", bookings[1].Time.Format("15:04"))
}

func TestParseReservationListMissingDate(t *testing.T) {
	page := `<html><body>15:00 <input name="reservation" value="r1"> Ann (<a>ann@kth.se</a>)</body></html>`
	_, err := parseReservationList([]byte(page), "repo")
	require.Error(t, err)

	var parseErr ParseError
	require.ErrorAs(t, err, &parseErr)
	require.Equal(t, "date", parseErr.Field)
}

func TestParseReservationListMissingEmail(t *testing.T) {
	page := `<html><body>24-03-14<br>15:00 <input name="reservation" value="r1"> Ann Andersson</body></html>`
	_, err := parseReservationList([]byte(page), "repo")
	require.Error(t, err)

	var parseErr ParseError
	require.ErrorAs(t, err, &parseErr)
	require.Equal(t, "email", parseErr.Field)
}
