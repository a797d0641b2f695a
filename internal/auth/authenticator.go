package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	jwt "github.com/dgrijalva/jwt-go"

	"fossibot-bridge/internal/cache"
	"fossibot-bridge/internal/errors"
	"fossibot-bridge/internal/logger"
	"fossibot-bridge/internal/metrics"
	"fossibot-bridge/internal/topics"
)

// Fallback lifetime when the MQTT JWT carries no readable exp claim. The
// broker tokens observed in the wild run about three days.
const defaultMQTTTokenTTL = 72 * time.Hour

// Authenticator runs the staged auth flow for one account. Stage order is
// fixed: the login call is signed with the anonymous token in the body
// token field, and the MQTT token and device list calls additionally carry
// the login token as uniIdToken. Every ensure step is cache first.
type Authenticator struct {
	email    string
	password string
	tokens   *cache.TokenCache
	devices  *cache.DeviceCache
	api      *apiClient

	mu  sync.Mutex
	now func() time.Time
}

// NewAuthenticator creates the authenticator for one account
func NewAuthenticator(email, password string, tokens *cache.TokenCache, devices *cache.DeviceCache) *Authenticator {
	return &Authenticator{
		email:    email,
		password: password,
		tokens:   tokens,
		devices:  devices,
		api:      newAPIClient(Endpoint),
		now:      time.Now,
	}
}

// Account returns the account email
func (a *Authenticator) Account() string {
	return a.email
}

// MQTTToken returns a broker-usable JWT, running only the auth stages the
// token cache cannot satisfy.
func (a *Authenticator) MQTTToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ensureMQTT(ctx)
}

// Devices returns the account's device list, served from the device cache
// when fresh.
func (a *Authenticator) Devices(ctx context.Context) ([]cache.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if devices, ok := a.devices.Get(a.email); ok {
		return devices, nil
	}
	return a.refreshDevices(ctx)
}

// RefreshDevices re-fetches the device list, bypassing the cache
func (a *Authenticator) RefreshDevices(ctx context.Context) ([]cache.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshDevices(ctx)
}

// InvalidateSession drops the login and MQTT tokens so the next ensure
// reruns those stages. Called when the broker refuses our JWT (CONNACK 5).
func (a *Authenticator) InvalidateSession() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.tokens.Invalidate(a.email, cache.StageLogin); err != nil {
		errors.Handle(err)
	}
	if err := a.tokens.Invalidate(a.email, cache.StageMQTT); err != nil {
		errors.Handle(err)
	}
}

// InvalidateAll purges every cached token for the account
func (a *Authenticator) InvalidateAll() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.tokens.Invalidate(a.email); err != nil {
		errors.Handle(err)
	}
}

func (a *Authenticator) ensureMQTT(ctx context.Context) (string, error) {
	if token, ok := a.tokens.Get(a.email, cache.StageMQTT); ok {
		return token, nil
	}

	anon, err := a.ensureAnonymous(ctx)
	if err != nil {
		return "", err
	}
	login, err := a.ensureLogin(ctx, anon)
	if err != nil {
		return "", err
	}

	const op = "mqtt access token"
	params, err := invokeParams("common/emqx.getAccessToken", map[string]interface{}{
		"locale": appLocale,
	}, login)
	if err != nil {
		return "", errors.Protocol(op, err).WithAccount(a.email)
	}

	data, err := a.api.call(ctx, op, methodInvoke, params, anon)
	if err != nil {
		metrics.RecordAuthStage("mqtt", false)
		return "", a.purgeOnReject(tagAccount(err, a.email))
	}

	var out struct {
		Code        json.Number `json:"code"`
		Msg         string      `json:"msg"`
		AccessToken string      `json:"access_token"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		metrics.RecordAuthStage("mqtt", false)
		return "", errors.Protocol(op, fmt.Errorf("malformed response: %w", err)).WithAccount(a.email)
	}
	if out.AccessToken == "" {
		metrics.RecordAuthStage("mqtt", false)
		if out.Msg != "" {
			return "", a.purgeOnReject(errors.AuthRejected(op, fmt.Errorf("server refused: %s", out.Msg)).WithAccount(a.email))
		}
		return "", errors.Protocol(op, fmt.Errorf("response missing access_token")).WithAccount(a.email)
	}

	metrics.RecordAuthStage("mqtt", true)
	expiresAt := jwtExpiry(out.AccessToken, a.now)
	logger.LogDebug("MQTT token acquired for %s (expires %s)", a.email, expiresAt.Format(time.RFC3339))
	a.store(cache.StageMQTT, out.AccessToken, expiresAt)
	return out.AccessToken, nil
}

func (a *Authenticator) ensureAnonymous(ctx context.Context) (string, error) {
	if token, ok := a.tokens.Get(a.email, cache.StageAnonymous); ok {
		return token, nil
	}

	const op = "anonymous authorize"
	data, err := a.api.call(ctx, op, methodAnonymous, "{}", "")
	if err != nil {
		metrics.RecordAuthStage("anonymous", false)
		return "", a.purgeOnReject(tagAccount(err, a.email))
	}

	var out struct {
		AccessToken     string `json:"accessToken"`
		ExpiresInSecond int64  `json:"expiresInSecond"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		metrics.RecordAuthStage("anonymous", false)
		return "", errors.Protocol(op, fmt.Errorf("malformed response: %w", err)).WithAccount(a.email)
	}
	if out.AccessToken == "" {
		metrics.RecordAuthStage("anonymous", false)
		return "", errors.Protocol(op, fmt.Errorf("response missing accessToken")).WithAccount(a.email)
	}

	metrics.RecordAuthStage("anonymous", true)
	logger.LogDebug("Anonymous token acquired for %s (expires in %ds)", a.email, out.ExpiresInSecond)
	expiresAt := a.now().Add(time.Duration(out.ExpiresInSecond) * time.Second)
	a.store(cache.StageAnonymous, out.AccessToken, expiresAt)
	return out.AccessToken, nil
}

func (a *Authenticator) ensureLogin(ctx context.Context, anonToken string) (string, error) {
	if token, ok := a.tokens.Get(a.email, cache.StageLogin); ok {
		return token, nil
	}

	const op = "account login"
	params, err := invokeParams("user/pub/login", map[string]interface{}{
		"locale":   appLocale,
		"username": a.email,
		"password": a.password,
	}, "")
	if err != nil {
		return "", errors.Protocol(op, err).WithAccount(a.email)
	}

	data, err := a.api.call(ctx, op, methodInvoke, params, anonToken)
	if err != nil {
		metrics.RecordAuthStage("login", false)
		return "", a.purgeOnReject(tagAccount(err, a.email))
	}

	var out struct {
		Code         json.Number `json:"code"`
		Msg          string      `json:"msg"`
		Token        string      `json:"token"`
		TokenExpired int64       `json:"tokenExpired"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		metrics.RecordAuthStage("login", false)
		return "", errors.Protocol(op, fmt.Errorf("malformed response: %w", err)).WithAccount(a.email)
	}
	if out.Token == "" {
		metrics.RecordAuthStage("login", false)
		if out.Msg != "" {
			// Bad credentials come back in-band with HTTP 200.
			return "", a.purgeOnReject(errors.AuthRejected(op, fmt.Errorf("server refused: %s", out.Msg)).WithAccount(a.email))
		}
		return "", errors.Protocol(op, fmt.Errorf("response missing token")).WithAccount(a.email)
	}

	metrics.RecordAuthStage("login", true)
	// tokenExpired is an absolute millisecond timestamp; the claimed
	// lifetime runs years and gets capped by the cache.
	expiresAt := time.UnixMilli(out.TokenExpired)
	logger.LogDebug("Login token acquired for %s (claimed expiry %s)", a.email, expiresAt.Format(time.RFC3339))
	a.store(cache.StageLogin, out.Token, expiresAt)
	return out.Token, nil
}

func (a *Authenticator) refreshDevices(ctx context.Context) ([]cache.Device, error) {
	anon, err := a.ensureAnonymous(ctx)
	if err != nil {
		return nil, err
	}
	login, err := a.ensureLogin(ctx, anon)
	if err != nil {
		return nil, err
	}

	const op = "device list"
	params, err := invokeParams("device/list", map[string]interface{}{
		"locale":    appLocale,
		"pageIndex": 1,
		"pageSize":  100,
	}, login)
	if err != nil {
		return nil, errors.Protocol(op, err).WithAccount(a.email)
	}

	data, err := a.api.call(ctx, op, methodInvoke, params, anon)
	if err != nil {
		metrics.RecordAuthStage("devices", false)
		return nil, a.purgeOnReject(tagAccount(err, a.email))
	}

	var out struct {
		Code json.Number `json:"code"`
		Msg  string      `json:"msg"`
		Rows []deviceRow `json:"rows"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		metrics.RecordAuthStage("devices", false)
		return nil, errors.Protocol(op, fmt.Errorf("malformed response: %w", err)).WithAccount(a.email)
	}
	if out.Rows == nil {
		metrics.RecordAuthStage("devices", false)
		if out.Msg != "" {
			return nil, a.purgeOnReject(errors.AuthRejected(op, fmt.Errorf("server refused: %s", out.Msg)).WithAccount(a.email))
		}
		return nil, errors.Protocol(op, fmt.Errorf("response missing rows")).WithAccount(a.email)
	}

	devices := make([]cache.Device, 0, len(out.Rows))
	for _, row := range out.Rows {
		device, err := row.toDevice()
		if err != nil {
			logger.LogWarn("Skipping device row with unusable id %q: %v", row.DeviceID, err)
			continue
		}
		devices = append(devices, device)
	}

	metrics.RecordAuthStage("devices", true)
	logger.LogInfo("Discovered %d device(s) for %s", len(devices), a.email)
	if err := a.devices.Put(a.email, devices); err != nil {
		errors.Handle(err)
	}
	return devices, nil
}

// deviceRow is one entry of the device/list response
type deviceRow struct {
	DeviceID    string `json:"device_id"`
	MAC         string `json:"mac"`
	DeviceName  string `json:"device_name"`
	ProductName string `json:"product_name"`
	Model       string `json:"model"`
	Online      bool   `json:"online"`
	CreateDate  int64  `json:"create_date"`
}

func (r deviceRow) toDevice() (cache.Device, error) {
	id := r.MAC
	if id == "" {
		id = r.DeviceID
	}
	mac, err := topics.NormalizeMAC(id)
	if err != nil {
		return cache.Device{}, err
	}

	device := cache.Device{
		MAC:         mac,
		Name:        r.DeviceName,
		ProductName: r.ProductName,
		Model:       r.Model,
		Online:      r.Online,
	}
	if r.CreateDate > 0 {
		device.CreatedAt = time.UnixMilli(r.CreateDate)
	}
	return device, nil
}

// store writes a token back to the cache. A cache write failure is logged
// and otherwise ignored; the token in hand still works for this session.
func (a *Authenticator) store(stage cache.Stage, token string, expiresAt time.Time) {
	if err := a.tokens.Put(a.email, stage, token, expiresAt); err != nil {
		errors.Handle(err)
	}
}

// purgeOnReject drops the whole token file for the account when the server
// rejected us; stale stages must not survive a credential failure.
func (a *Authenticator) purgeOnReject(err error) error {
	if errors.IsKind(err, errors.KindAuthRejected) {
		if cerr := a.tokens.Invalidate(a.email); cerr != nil {
			errors.Handle(cerr)
		}
	}
	return err
}

// invokeParams renders the params JSON string for a runtime invoke call
func invokeParams(url string, data map[string]interface{}, uniIDToken string) (string, error) {
	args := map[string]interface{}{
		"$url":       url,
		"data":       data,
		"clientInfo": clientInfo(),
	}
	if uniIDToken != "" {
		args["uniIdToken"] = uniIDToken
	}
	raw, err := json.Marshal(map[string]interface{}{
		"functionTarget": "router",
		"functionArgs":   args,
	})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// jwtExpiry reads the exp claim without verifying the signature; the broker
// is the verifier, we only need the lifetime for the cache.
func jwtExpiry(token string, now func() time.Time) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err == nil {
		if exp, ok := claims["exp"].(float64); ok && exp > 0 {
			return time.Unix(int64(exp), 0)
		}
	}
	logger.LogWarn("MQTT token carries no readable exp claim, assuming %s lifetime", defaultMQTTTokenTTL)
	return now().Add(defaultMQTTTokenTTL)
}

// tagAccount attaches the account id to a bridge error in place
func tagAccount(err error, email string) error {
	var bridgeErr *errors.BridgeError
	if errors.As(err, &bridgeErr) {
		bridgeErr.WithAccount(email)
	}
	return err
}
