package adapters

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/schema"
)

func oauth2Creds(token string) *schema.Credentials {
	return &schema.Credentials{
		ID:       "cred-g",
		UserID:   "u1",
		Provider: "google",
		Type:     schema.CredentialOAuth2,
		OAuth2:   &schema.OAuth2Data{AccessToken: token},
	}
}

func serviceAccountCreds(t *testing.T) *schema.Credentials {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemKey := pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return &schema.Credentials{
		ID:       "cred-sa",
		UserID:   "u1",
		Provider: "google",
		Type:     schema.CredentialServiceAccount,
		ServiceAccount: &schema.ServiceAccountData{
			ClientEmail: "robot@project.iam.gserviceaccount.com",
			PrivateKey:  string(pemKey),
			ProjectID:   "project",
		},
	}
}

func newGoogleAdapter(t *testing.T, srv *httptest.Server) *GoogleAdapter {
	t.Helper()
	return NewGoogleAdapter(testDeps(), srv.Client(), GoogleEndpoints{
		Token:  srv.URL + "/token",
		Gmail:  srv.URL + "/gmail",
		Sheets: srv.URL + "/sheets",
	})
}

// --- Gmail ---

func TestGoogle_GmailSend(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gmail/users/me/messages/send", r.URL.Path)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Write([]byte(`{"id":"m-1","threadId":"t-1"}`))
	}))
	defer srv.Close()

	a := newGoogleAdapter(t, srv)

	result := a.Execute(context.Background(), "gmail.send", map[string]any{
		"to":      "ada@example.com",
		"subject": "report ready",
		"body":    "see attached",
	}, oauth2Creds("tok-1"), testExecCtx(nil))

	require.True(t, result.Success, "gmail.send failed: %v", result.Error)
	assert.Equal(t, "m-1", result.Output["id"])
	assert.Equal(t, "t-1", result.Output["threadId"])
	assert.Equal(t, true, result.Output["sent"])

	rawB64, _ := captured["raw"].(string)
	decoded, err := base64.RawURLEncoding.DecodeString(rawB64)
	require.NoError(t, err)
	mime := string(decoded)
	assert.Contains(t, mime, "To: ada@example.com")
	assert.Contains(t, mime, "Subject: report ready")
	assert.Contains(t, mime, "see attached")
	assert.Contains(t, mime, `Content-Type: text/plain; charset="UTF-8"`)
}

func TestGoogle_GmailSendMultipart(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Write([]byte(`{"id":"m-2"}`))
	}))
	defer srv.Close()

	a := newGoogleAdapter(t, srv)

	result := a.Execute(context.Background(), "gmail.send", map[string]any{
		"to":   "ada@example.com",
		"body": "plain version",
		"html": "<p>rich version</p>",
	}, oauth2Creds("tok-1"), testExecCtx(nil))

	require.True(t, result.Success, "gmail.send failed: %v", result.Error)

	decoded, err := base64.RawURLEncoding.DecodeString(captured["raw"].(string))
	require.NoError(t, err)
	mime := string(decoded)
	assert.Contains(t, mime, "multipart/alternative")
	assert.Contains(t, mime, "plain version")
	assert.Contains(t, mime, "<p>rich version</p>")
}

func TestGoogle_GmailSendRequiresBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	a := newGoogleAdapter(t, srv)

	result := a.Execute(context.Background(), "gmail.send", map[string]any{
		"to": "ada@example.com",
	}, oauth2Creds("tok-1"), testExecCtx(nil))

	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Contains(t, result.Error.Message, "missing email body")
}

func TestGoogle_GmailRead(t *testing.T) {
	bodyData := base64.RawURLEncoding.EncodeToString([]byte("message body text"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gmail/users/me/messages/m-9", r.URL.Path)
		assert.Equal(t, "full", r.URL.Query().Get("format"))
		resp := map[string]any{
			"id":      "m-9",
			"snippet": "message body…",
			"payload": map[string]any{
				"headers": []any{
					map[string]any{"name": "Subject", "value": "hello"},
					map[string]any{"name": "From", "value": "grace@example.com"},
					map[string]any{"name": "X-Ignored", "value": "x"},
				},
				"body": map[string]any{"data": bodyData},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	a := newGoogleAdapter(t, srv)

	result := a.Execute(context.Background(), "gmail.read", map[string]any{
		"messageId": "m-9",
	}, oauth2Creds("tok-1"), testExecCtx(nil))

	require.True(t, result.Success, "gmail.read failed: %v", result.Error)
	assert.Equal(t, "m-9", result.Output["id"])
	assert.Equal(t, "message body text", result.Output["body"])

	headers := result.Output["headers"].(map[string]any)
	assert.Equal(t, "hello", headers["Subject"])
	assert.Equal(t, "grace@example.com", headers["From"])
	_, ignored := headers["X-Ignored"]
	assert.False(t, ignored)
}

func TestGoogle_GmailList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gmail/users/me/messages", r.URL.Path)
		assert.Equal(t, "is:unread", r.URL.Query().Get("q"))
		assert.Equal(t, "5", r.URL.Query().Get("maxResults"))
		w.Write([]byte(`{"messages":[{"id":"m-1"},{"id":"m-2"}],"resultSizeEstimate":2}`))
	}))
	defer srv.Close()

	a := newGoogleAdapter(t, srv)

	result := a.Execute(context.Background(), "gmail.list", map[string]any{
		"query":      "is:unread",
		"maxResults": float64(5),
	}, oauth2Creds("tok-1"), testExecCtx(nil))

	require.True(t, result.Success, "gmail.list failed: %v", result.Error)
	messages := result.Output["messages"].([]any)
	assert.Len(t, messages, 2)
}

// --- Sheets ---

func TestGoogle_SheetsAppendRow(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sheets/spreadsheets/sheet-1/values/A1:append", r.URL.Path)
		assert.Equal(t, "USER_ENTERED", r.URL.Query().Get("valueInputOption"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Write([]byte(`{"updates":{"updatedRows":1}}`))
	}))
	defer srv.Close()

	a := newGoogleAdapter(t, srv)

	result := a.Execute(context.Background(), "sheets.appendRow", map[string]any{
		"spreadsheetId": "sheet-1",
		"values":        []any{"Ada", float64(99)},
	}, oauth2Creds("tok-1"), testExecCtx(nil))

	require.True(t, result.Success, "appendRow failed: %v", result.Error)
	assert.Equal(t, true, result.Output["appended"])
	assert.Equal(t, []any{[]any{"Ada", float64(99)}}, captured["values"])
}

func TestGoogle_SheetsUpdateRow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/sheets/spreadsheets/sheet-1/values/A2:C2", r.URL.Path)
		w.Write([]byte(`{"updatedRange":"A2:C2","updatedCells":3}`))
	}))
	defer srv.Close()

	a := newGoogleAdapter(t, srv)

	result := a.Execute(context.Background(), "sheets.updateRow", map[string]any{
		"spreadsheetId": "sheet-1",
		"range":         "A2:C2",
		"values":        []any{"Ada", "ada@example.com", "active"},
	}, oauth2Creds("tok-1"), testExecCtx(nil))

	require.True(t, result.Success, "updateRow failed: %v", result.Error)
	assert.Equal(t, "A2:C2", result.Output["updatedRange"])
	assert.Equal(t, float64(3), result.Output["updatedCells"])
}

func TestGoogle_SheetsGetRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"values":[["a","1"],["b","2"]]}`))
	}))
	defer srv.Close()

	a := newGoogleAdapter(t, srv)

	result := a.Execute(context.Background(), "sheets.getRows", map[string]any{
		"spreadsheetId": "sheet-1",
	}, oauth2Creds("tok-1"), testExecCtx(nil))

	require.True(t, result.Success, "getRows failed: %v", result.Error)
	assert.Equal(t, 2, result.Output["count"])
}

func TestGoogle_SheetsFindRow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"values":[["a","foo"],["b","foobar"],["c","other"]]}`))
	}))
	defer srv.Close()

	a := newGoogleAdapter(t, srv)

	t.Run("contains matches every row with the needle", func(t *testing.T) {
		result := a.Execute(context.Background(), "sheets.findRow", map[string]any{
			"spreadsheetId": "sheet-1",
			"value":         "FOO",
			"column":        "B",
			"matchType":     "contains",
		}, oauth2Creds("tok-1"), testExecCtx(nil))

		require.True(t, result.Success, "findRow failed: %v", result.Error)
		assert.Equal(t, true, result.Output["found"])
		assert.Equal(t, 2, result.Output["count"])
		assert.Equal(t, []any{0, 1}, result.Output["indices"])
	})

	t.Run("exact matches one row", func(t *testing.T) {
		result := a.Execute(context.Background(), "sheets.findRow", map[string]any{
			"spreadsheetId": "sheet-1",
			"value":         "foo",
			"column":        "B",
		}, oauth2Creds("tok-1"), testExecCtx(nil))

		require.True(t, result.Success, "findRow failed: %v", result.Error)
		assert.Equal(t, 1, result.Output["count"])
		assert.Equal(t, []any{0}, result.Output["indices"])
	})

	t.Run("no match", func(t *testing.T) {
		result := a.Execute(context.Background(), "sheets.findRow", map[string]any{
			"spreadsheetId": "sheet-1",
			"value":         "zzz",
		}, oauth2Creds("tok-1"), testExecCtx(nil))

		require.True(t, result.Success, "findRow failed: %v", result.Error)
		assert.Equal(t, false, result.Output["found"])
		assert.Equal(t, 0, result.Output["count"])
	})

	t.Run("invalid column letter", func(t *testing.T) {
		result := a.Execute(context.Background(), "sheets.findRow", map[string]any{
			"spreadsheetId": "sheet-1",
			"value":         "foo",
			"column":        "1",
		}, oauth2Creds("tok-1"), testExecCtx(nil))

		assert.False(t, result.Success)
		require.NotNil(t, result.Error)
		assert.Contains(t, result.Error.Message, "invalid column letter")
	})
}

func TestGoogle_SheetsDeleteRow(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sheets/spreadsheets/sheet-1:batchUpdate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	a := newGoogleAdapter(t, srv)

	result := a.Execute(context.Background(), "sheets.deleteRow", map[string]any{
		"spreadsheetId": "sheet-1",
		"rowIndex":      float64(4),
	}, oauth2Creds("tok-1"), testExecCtx(nil))

	require.True(t, result.Success, "deleteRow failed: %v", result.Error)
	assert.Equal(t, true, result.Output["deleted"])

	requests := captured["requests"].([]any)
	dim := requests[0].(map[string]any)["deleteDimension"].(map[string]any)["range"].(map[string]any)
	assert.Equal(t, "ROWS", dim["dimension"])
	assert.Equal(t, float64(4), dim["startIndex"])
	assert.Equal(t, float64(5), dim["endIndex"])
}

func TestColumnIndex(t *testing.T) {
	assert.Equal(t, 0, columnIndex("A"))
	assert.Equal(t, 1, columnIndex("B"))
	assert.Equal(t, 25, columnIndex("Z"))
	assert.Equal(t, 26, columnIndex("AA"))
	assert.Equal(t, -1, columnIndex(""))
	assert.Equal(t, -1, columnIndex("3"))
}

// --- Credentials ---

func TestGoogle_RejectsAPIKeyCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	a := newGoogleAdapter(t, srv)

	result := a.Execute(context.Background(), "sheets.getRows", map[string]any{
		"spreadsheetId": "sheet-1",
	}, apiKeyCreds("google", "key"), testExecCtx(nil))

	assert.False(t, result.Success)
	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeInvalidCredentials, result.Error.Code)
}

func TestGoogle_ServiceAccountMintsAndCachesToken(t *testing.T) {
	tokenCalls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/token"):
			tokenCalls++
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "urn:ietf:params:oauth:grant-type:jwt-bearer", r.Form.Get("grant_type"))
			// Assertion is a three-part JWT.
			assert.Len(t, strings.Split(r.Form.Get("assertion"), "."), 3)
			w.Write([]byte(`{"access_token":"minted-1","expires_in":3600}`))
		default:
			assert.Equal(t, "Bearer minted-1", r.Header.Get("Authorization"))
			w.Write([]byte(`{"values":[]}`))
		}
	}))
	defer srv.Close()

	a := newGoogleAdapter(t, srv)
	creds := serviceAccountCreds(t)

	for i := 0; i < 2; i++ {
		result := a.Execute(context.Background(), "sheets.getRows", map[string]any{
			"spreadsheetId": "sheet-1",
		}, creds, testExecCtx(nil))
		require.True(t, result.Success, "getRows failed: %v", result.Error)
	}

	assert.Equal(t, 1, tokenCalls)
}
