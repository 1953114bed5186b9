package prairielearn

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"classly-backend/services/platforms"

	"github.com/stretchr/testify/require"
)

const assessmentsPage = `<html><body>
<table>
<thead><tr><th>Label</th><th>Assessment</th><th>Available credit</th><th>Score</th></tr></thead>
<tbody>
<tr><th colspan="4">Week 1</th></tr>
<tr>
  <td>A1</td>
  <td><a href="/pl/course_instance/206336/assessment/1">Intro Assessment</a></td>
  <td>100% until 23:59, Tue, Feb 3</td>
  <td>Not started</td>
</tr>
<tr>
  <td>POGIL1</td>
  <td><a href="/pl/course_instance/206336/assessment/2">Group Activity</a></td>
  <td>100%</td>
  <td>85%</td>
</tr>
<tr><th colspan="4">Week 2</th></tr>
<tr>
  <td>HW2</td>
  <td><a href="/pl/course_instance/206336/assessment/3">Homework 2</a></td>
  <td>100% until 23:59, Fri, Feb 13</td>
  <td>Not started</td>
</tr>
</tbody>
</table>
</body></html>`

func TestFetchAssessments(t *testing.T) {
	var gotPath, gotCookie string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotCookie = r.Header.Get("cookie")
		fmt.Fprint(w, assessmentsPage)
	}))
	defer server.Close()

	f := NewFetcher()
	res, err := f.Fetch(
		context.Background(),
		server.URL+"/pl/course_instance/206336",
		platforms.AuthContext{Cookie: "session=abc"},
	)
	require.NoError(t, err)
	require.Equal(t, "/pl/course_instance/206336/assessments", gotPath)
	require.Equal(t, "session=abc", gotCookie)

	require.Equal(t, platforms.PrairieLearn, res.Platform)
	require.Len(t, res.Rows, 3)

	first := res.Rows[0]
	require.Equal(t, "A1", first.Label)
	require.Equal(t, "Intro Assessment", first.Title)
	require.Equal(t, "100% until 23:59, Tue, Feb 3", first.DueText)
	require.Equal(t, "Not started", first.StatusText)
	require.Equal(t, "Week 1", first.Week)
	require.Len(t, first.Links, 1)
	require.Equal(t, server.URL+"/pl/course_instance/206336/assessment/1", first.Links[0].Href)

	require.Equal(t, "Week 2", res.Rows[2].Week)
}

func TestFetchNoTable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><div class="alert">No assessments yet</div></body></html>`)
	}))
	defer server.Close()

	f := NewFetcher()
	res, err := f.Fetch(context.Background(), server.URL+"/pl/course_instance/1/assessments", platforms.AuthContext{})
	require.NoError(t, err)
	require.Empty(t, res.Rows)
}

func TestFetchBadUrl(t *testing.T) {
	f := NewFetcher()
	_, err := f.Fetch(context.Background(), "https://us.prairielearn.com/pl", platforms.AuthContext{})
	require.ErrorIs(t, err, platforms.ErrNotFound)
}

func TestFetchAuthRequired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	f := NewFetcher()
	_, err := f.Fetch(context.Background(), server.URL+"/pl/course_instance/1", platforms.AuthContext{})
	require.ErrorIs(t, err, platforms.ErrAuthRequired)
}
