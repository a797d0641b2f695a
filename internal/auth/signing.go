// Package auth implements the four-stage cloud authentication flow:
// anonymous authorize, account login, MQTT access token, device list. All
// stages POST to one serverless endpoint and carry an HMAC-MD5 signature of
// the request body. Tokens are cached per account and stages are skipped
// while a cached token is still inside its safety margin.
package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"sort"
	"strings"
)

// Fixed identity of the vendor app the power stations pair with. The
// endpoint, space id and signing secret are properties of that app, not of
// any particular account.
const (
	Endpoint     = "https://api.next.bspapp.com/client"
	spaceID      = "MC65l1u0j36Ahja7tju0p65rop0n294o86271t0"
	clientSecret = "5rCEdl/nx7IgViBe4QYRiQ=="
	appID        = "__UNI__55F5E7F"
	appLocale    = "en"
)

const (
	methodAnonymous = "serverless.auth.user.anonymousAuthorize"
	methodInvoke    = "serverless.function.runtime.invoke"
)

// canonicalQuery renders the body fields as a query string with keys
// sorted ascending and empty values dropped. This exact string is what
// gets signed.
func canonicalQuery(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k, v := range fields {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+fields[k])
	}
	return strings.Join(pairs, "&")
}

// signBody computes the request signature, HMAC-MD5 over the canonical
// query string with the client secret, hex encoded.
func signBody(fields map[string]string) string {
	mac := hmac.New(md5.New, []byte(clientSecret))
	mac.Write([]byte(canonicalQuery(fields)))
	return hex.EncodeToString(mac.Sum(nil))
}

// newDeviceID returns a random 32 hex character device identifier. One id
// is generated per process and shared by all accounts, mirroring a single
// app install.
func newDeviceID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic("auth: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

var processDeviceID = newDeviceID()

// clientInfo is the fixed platform metadata sent with every invoke call,
// keyed to the per-process device id.
func clientInfo() map[string]interface{} {
	return map[string]interface{}{
		"PLATFORM":          "app",
		"OS":                "android",
		"APPID":             appID,
		"DEVICEID":          processDeviceID,
		"appId":             appID,
		"appLanguage":       appLocale,
		"appName":           "BrightEMS",
		"appVersion":        "1.2.3",
		"appVersionCode":    123,
		"deviceId":          processDeviceID,
		"deviceBrand":       "Xiaomi",
		"deviceModel":       "MI 9",
		"deviceType":        "phone",
		"osName":            "android",
		"osVersion":         "13",
		"uniPlatform":       "app",
		"uniRuntimeVersion": "4.24",
		"locale":            appLocale,
		"LOCALE":            appLocale,
	}
}
