package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"toetscoach/internal/llm"
	"toetscoach/internal/model"
	"toetscoach/internal/session"
)

const firstFeedback = `### QUESTION
Vraag 1: Bereken de molariteit.

### STUDENT_ANSWER
"0,5 M"

### FEEDBACK
Je bent het volume vergeten om te rekenen.

### REMEDIATION_QUESTION
Hoeveel liter is 250 mL?`

const continueReply = `### QUESTION
Vraag 1: Bereken de molariteit.

### STUDENT_ANSWER
"0,25 liter"

### FEEDBACK
Precies, goed omgerekend.

### REMEDIATION_QUESTION
Vraag 2: welke stof is het oplosmiddel?

### STATUS
{"isComplete": false}`

type fakeOracle struct {
	mu         sync.Mutex
	envelope   *model.AnalysisEnvelope
	analyzeErr error
	replies    []string
	streamErr  error

	entered chan struct{}
	hold    chan struct{}
}

func (f *fakeOracle) AnalyzeExam(ctx context.Context, prompt string) (*model.AnalysisEnvelope, error) {
	if f.analyzeErr != nil {
		return nil, f.analyzeErr
	}
	env := *f.envelope
	return &env, nil
}

func (f *fakeOracle) Generate(ctx context.Context, prompt string) (string, error) {
	return "", nil
}

func (f *fakeOracle) GenerateStream(ctx context.Context, prompt string) (<-chan llm.Fragment, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	f.mu.Lock()
	var reply string
	if len(f.replies) > 0 {
		reply = f.replies[0]
		f.replies = f.replies[1:]
	}
	entered, hold := f.entered, f.hold
	f.mu.Unlock()

	ch := make(chan llm.Fragment)
	go func() {
		defer close(ch)
		if entered != nil {
			entered <- struct{}{}
		}
		if hold != nil {
			<-hold
		}
		for _, line := range strings.SplitAfter(reply, "\n") {
			if line != "" {
				ch <- llm.Fragment{Content: line}
			}
		}
	}()
	return ch, nil
}

func testOracle() *fakeOracle {
	return &fakeOracle{
		envelope: &model.AnalysisEnvelope{
			Summary:               "Nette toets.",
			InitialGrade:          6.4,
			LearningObjectives:    []string{"Ik kan molariteit berekenen"},
			TotalQuestions:        2,
			FirstQuestionFeedback: firstFeedback,
		},
		replies: []string{continueReply},
	}
}

func newTestServer(t *testing.T, oracle *fakeOracle) *httptest.Server {
	t.Helper()
	h := New(session.NewManager(oracle, session.Config{}, nil))
	r := chi.NewRouter()
	h.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func startSession(t *testing.T, srv *httptest.Server) model.SessionState {
	t.Helper()
	resp := postJSON(t, srv.URL+"/api/analyze", map[string]string{
		"action":      "initial_analysis",
		"examContent": "Vraag 1: bereken de molariteit.",
		"fileName":    "toets.txt",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: status %d", resp.StatusCode)
	}
	var snap model.SessionState
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	return snap
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, testOracle())
	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestAnalyzeInitial(t *testing.T) {
	srv := newTestServer(t, testOracle())
	snap := startSession(t, srv)

	if snap.ID == "" {
		t.Error("response should carry a session ID")
	}
	if snap.TotalQuestions != 2 || snap.CurrentQuestionIndex != 1 {
		t.Errorf("total=%d current=%d", snap.TotalQuestions, snap.CurrentQuestionIndex)
	}
	if snap.InitialGrade != 6.4 {
		t.Errorf("InitialGrade = %v", snap.InitialGrade)
	}
}

func TestAnalyzeContinue(t *testing.T) {
	srv := newTestServer(t, testOracle())
	snap := startSession(t, srv)

	resp := postJSON(t, srv.URL+"/api/analyze", map[string]string{
		"action":          "continue_feedback",
		"sessionId":       snap.ID,
		"studentResponse": "0,25 liter",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var next model.SessionState
	if err := json.NewDecoder(resp.Body).Decode(&next); err != nil {
		t.Fatal(err)
	}
	if next.CurrentQuestionIndex != 2 {
		t.Errorf("CurrentQuestionIndex = %d, want 2", next.CurrentQuestionIndex)
	}
}

func TestAnalyzeValidation(t *testing.T) {
	srv := newTestServer(t, testOracle())

	tests := []struct {
		name string
		body map[string]string
		want int
	}{
		{"empty exam", map[string]string{"action": "initial_analysis"}, http.StatusBadRequest},
		{"empty answer", map[string]string{"action": "continue_feedback", "sessionId": "x"}, http.StatusBadRequest},
		{"unknown action", map[string]string{"action": "grade_everything"}, http.StatusBadRequest},
		{"unknown session", map[string]string{"action": "continue_feedback", "sessionId": "nope", "studentResponse": "x"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/api/analyze", tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			var body errorResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
				t.Errorf("error body missing: %v", err)
			}
		})
	}
}

func TestAnalyzeErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"no api key", llm.ErrNoAPIKey, http.StatusInternalServerError},
		{"upstream", &llm.UpstreamError{Op: "completion", Err: errors.New("boom")}, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oracle := testOracle()
			oracle.analyzeErr = tt.err
			srv := newTestServer(t, oracle)

			resp := postJSON(t, srv.URL+"/api/analyze", map[string]string{
				"action":      "initial_analysis",
				"examContent": "Vraag 1",
			})
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestStreamDeliversFragmentsAndCommits(t *testing.T) {
	srv := newTestServer(t, testOracle())
	snap := startSession(t, srv)

	resp := postJSON(t, srv.URL+"/api/stream", map[string]string{
		"sessionId":       snap.ID,
		"studentResponse": "0,25 liter",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}
	var body bytes.Buffer
	if _, err := body.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	if body.String() != continueReply {
		t.Error("streamed body should be the raw oracle reply")
	}

	// The committed snapshot reflects the turn.
	stateResp, err := http.Get(srv.URL + "/api/session/" + snap.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer stateResp.Body.Close()
	var after model.SessionState
	if err := json.NewDecoder(stateResp.Body).Decode(&after); err != nil {
		t.Fatal(err)
	}
	if after.CurrentQuestionIndex != 2 {
		t.Errorf("CurrentQuestionIndex = %d, want 2", after.CurrentQuestionIndex)
	}
}

func TestStreamBusyConflict(t *testing.T) {
	oracle := testOracle()
	oracle.entered = make(chan struct{})
	oracle.hold = make(chan struct{})
	srv := newTestServer(t, oracle)
	snap := startSession(t, srv)

	done := make(chan struct{})
	go func() {
		defer close(done)
		body := fmt.Sprintf(`{"sessionId":%q,"studentResponse":"eerste"}`, snap.ID)
		resp, err := http.Post(srv.URL+"/api/stream", "application/json", strings.NewReader(body))
		if err != nil {
			t.Error(err)
			return
		}
		resp.Body.Close()
	}()

	<-oracle.entered // first turn is mid-stream

	resp := postJSON(t, srv.URL+"/api/stream", map[string]string{
		"sessionId":       snap.ID,
		"studentResponse": "tweede",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}

	close(oracle.hold)
	<-done
}

func TestUpload(t *testing.T) {
	srv := newTestServer(t, testOracle())

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "toets.txt")
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprint(fw, "Vraag 1: bereken de molariteit.")
	mw.Close()

	resp, err := http.Post(srv.URL+"/api/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var exam model.ExamDocument
	if err := json.NewDecoder(resp.Body).Decode(&exam); err != nil {
		t.Fatal(err)
	}
	if exam.Text != "Vraag 1: bereken de molariteit." || exam.SourceName != "toets.txt" {
		t.Errorf("exam = %+v", exam)
	}
}

func TestUploadRejectsImages(t *testing.T) {
	srv := newTestServer(t, testOracle())

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "foto.jpg")
	fw.Write([]byte("jpegdata"))
	mw.Close()

	resp, err := http.Post(srv.URL+"/api/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", resp.StatusCode)
	}
}

func TestUploadWithoutFile(t *testing.T) {
	srv := newTestServer(t, testOracle())

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("other", "value")
	mw.Close()

	resp, err := http.Post(srv.URL+"/api/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSessionNotFound(t *testing.T) {
	srv := newTestServer(t, testOracle())
	resp, err := http.Get(srv.URL + "/api/session/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
