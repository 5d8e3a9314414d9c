package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedChallenge reports that a challenge token could not be extracted
// from an auth_challenge payload, or that the extracted value still contains
// structural characters and is therefore not a token.
var ErrMalformedChallenge = errors.New("malformed challenge token")

// ChallengeShape tags which of the accepted payload shapes the token was
// extracted from.
type ChallengeShape int

const (
	// ShapeObject is a bare object: {"challenge": "..."} or
	// {"challenge_message": "..."}.
	ShapeObject ChallengeShape = iota + 1
	// ShapeEnvelope is a JSON-encoded string wrapping a full response
	// envelope: {"res": [id, "auth_challenge", {"challenge": "..."}, ts]}.
	ShapeEnvelope
	// ShapeNestedArray is the bare array form: [id, method,
	// [{"challenge": "..."}], ts].
	ShapeNestedArray
)

// Challenge is a validated challenge token with its source shape.
type Challenge struct {
	Token string
	Shape ChallengeShape
}

// ExtractChallenge pulls the challenge token out of an inbound payload. The
// relay has been observed delivering it in exactly three shapes; anything
// else fails with ErrMalformedChallenge. There is deliberately no
// treat-raw-string-as-token fallback.
func ExtractChallenge(payload any) (Challenge, error) {
	switch v := payload.(type) {
	case map[string]any:
		token, ok := tokenFromObject(v)
		if !ok {
			return Challenge{}, fmt.Errorf("%w: object carries no challenge field", ErrMalformedChallenge)
		}
		return validate(token, ShapeObject)

	case string:
		return extractFromString(v)

	case []byte:
		return extractFromString(string(v))

	case json.RawMessage:
		return extractFromString(string(v))

	case []any:
		token, ok := tokenFromArray(v)
		if !ok {
			return Challenge{}, fmt.Errorf("%w: array carries no challenge object", ErrMalformedChallenge)
		}
		return validate(token, ShapeNestedArray)

	default:
		return Challenge{}, fmt.Errorf("%w: unsupported payload type %T", ErrMalformedChallenge, payload)
	}
}

func extractFromString(s string) (Challenge, error) {
	var parsed any
	if err := json.Unmarshal([]byte(s), &parsed); err != nil {
		return Challenge{}, fmt.Errorf("%w: string payload is not JSON", ErrMalformedChallenge)
	}

	switch p := parsed.(type) {
	case map[string]any:
		// Full envelope: {"res": [id, method, result, ts]}.
		if res, ok := p["res"].([]any); ok {
			if len(res) < 3 {
				return Challenge{}, fmt.Errorf("%w: envelope res slot too short", ErrMalformedChallenge)
			}
			token, ok := tokenFromResult(res[2])
			if !ok {
				return Challenge{}, fmt.Errorf("%w: envelope result carries no challenge", ErrMalformedChallenge)
			}
			return validate(token, ShapeEnvelope)
		}
		// A bare object that happened to arrive JSON-encoded.
		if token, ok := tokenFromObject(p); ok {
			return validate(token, ShapeEnvelope)
		}
		return Challenge{}, fmt.Errorf("%w: envelope carries no res slot", ErrMalformedChallenge)

	case []any:
		token, ok := tokenFromArray(p)
		if !ok {
			return Challenge{}, fmt.Errorf("%w: array carries no challenge object", ErrMalformedChallenge)
		}
		return validate(token, ShapeNestedArray)

	default:
		return Challenge{}, fmt.Errorf("%w: string payload decodes to %T", ErrMalformedChallenge, parsed)
	}
}

func tokenFromObject(obj map[string]any) (string, bool) {
	if v, ok := obj["challenge"].(string); ok && v != "" {
		return v, true
	}
	if v, ok := obj["challenge_message"].(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// tokenFromResult handles the result slot of a response payload, which is
// either the challenge object itself or a single-element array wrapping it.
func tokenFromResult(result any) (string, bool) {
	switch r := result.(type) {
	case map[string]any:
		return tokenFromObject(r)
	case []any:
		if len(r) == 0 {
			return "", false
		}
		if obj, ok := r[0].(map[string]any); ok {
			return tokenFromObject(obj)
		}
	}
	return "", false
}

// tokenFromArray handles the bare array form [id, method, [{challenge}], ts].
func tokenFromArray(arr []any) (string, bool) {
	if len(arr) < 3 {
		return "", false
	}
	return tokenFromResult(arr[2])
}

func validate(token string, shape ChallengeShape) (Challenge, error) {
	if token == "" || strings.ContainsAny(token, "[{") {
		return Challenge{}, fmt.Errorf("%w: extracted value %q contains structural characters", ErrMalformedChallenge, token)
	}
	return Challenge{Token: token, Shape: shape}, nil
}
