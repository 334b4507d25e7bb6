package elevenlabs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"podcast-pipeline/internal/services"
)

func TestSynthesizeRequestsPCM(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/text-to-speech/voice-a" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("output_format") != "pcm_16000" {
			t.Fatalf("unexpected format %q", r.URL.RawQuery)
		}
		if r.Header.Get("xi-api-key") != "key" {
			t.Fatal("missing api key")
		}
		var body ttsRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Text != "Hello" || body.ModelID != defaultModel {
			t.Fatalf("unexpected body %+v", body)
		}
		w.Header().Set("Content-Type", "audio/pcm")
		_, _ = w.Write([]byte{1, 0, 2, 0})
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "key", BaseURL: server.URL, SampleRate: 16000})
	audio, err := client.Synthesize(context.Background(), "Hello", "voice-a")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(audio.Data) != 4 || audio.SampleRate != 16000 || audio.ContentType != "audio/pcm" {
		t.Fatalf("unexpected audio %+v", audio)
	}
}

func TestSynthesizeSurfacesStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "key", BaseURL: server.URL})
	_, err := client.Synthesize(context.Background(), "Hello", "voice-a")
	var statusErr *services.HTTPStatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if !services.Retryable(err) || statusErr.RetryAfter.Seconds() != 2 {
		t.Fatalf("429 must be retryable with Retry-After, got %+v", statusErr)
	}
}

func TestListVoicesAndPreview(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/voices":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"voices": []any{
					map[string]any{"voice_id": "v1", "name": "Rachel", "category": "premade", "labels": map[string]string{"accent": "american"}},
					map[string]any{"voice_id": "v2", "name": "Adam", "category": "premade"},
				},
			})
		case "/v1/voices/v1":
			_ = json.NewEncoder(w).Encode(map[string]any{"voice_id": "v1", "preview_url": server.URL + "/samples/v1.mp3"})
		case "/samples/v1.mp3":
			w.Header().Set("Content-Type", "audio/mpeg")
			_, _ = w.Write([]byte("ID3"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := NewClient(Config{APIKey: "key", BaseURL: server.URL})
	voices, err := client.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("list voices: %v", err)
	}
	if len(voices) != 2 || voices[0].Labels["accent"] != "american" {
		t.Fatalf("unexpected voices %+v", voices)
	}

	body, contentType, err := client.Preview(context.Background(), "v1")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	defer body.Close()
	data, _ := io.ReadAll(body)
	if string(data) != "ID3" || contentType != "audio/mpeg" {
		t.Fatalf("unexpected preview %q %s", data, contentType)
	}
}
