package fetch

import (
	"fmt"
	"math/rand"
)

// The CDN throttles unfamiliar clients, so every request carries a freshly
// randomized browser identity.

var chromeVersions = []string{"110", "111", "112", "113", "114", "115", "116", "120", "131", "132"}
var edgeVersions = []string{"110", "111", "112", "113", "114", "115", "116", "120"}

const refererURL = "https://danbooru.donmai.us/"

// RandomHeaders generates a randomized browser request header set.
func RandomHeaders() map[string]string {
	browser := "Google Chrome"
	versions := chromeVersions
	if rand.Intn(2) == 1 {
		browser = "Microsoft Edge"
		versions = edgeVersions
	}
	major := versions[rand.Intn(len(versions))]
	fullVersion := fmt.Sprintf("%s.0.%d.%d", major, rand.Intn(10000), rand.Intn(100))

	platform := [3]string{"Windows", "Macintosh", "X11"}[rand.Intn(3)]
	var ua string
	switch platform {
	case "Windows":
		osVersion := [2]string{"10.0", "11.0"}[rand.Intn(2)]
		ua = fmt.Sprintf("Mozilla/5.0 (Windows NT %s; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%s Safari/537.36", osVersion, fullVersion)
	case "Macintosh":
		ua = fmt.Sprintf("Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%s Safari/537.36", fullVersion)
	default:
		ua = fmt.Sprintf("Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%s Safari/537.36", fullVersion)
	}
	if browser == "Microsoft Edge" {
		ua += fmt.Sprintf(" Edg/%s", fullVersion)
	}

	return map[string]string{
		"User-Agent":         ua,
		"Referer":            refererURL,
		"sec-ch-ua":          fmt.Sprintf(`"Not A(Brand";v="8", "Chromium";v="%s", "%s";v="%s"`, major, browser, major),
		"sec-ch-ua-mobile":   "?0",
		"sec-ch-ua-platform": fmt.Sprintf("%q", platform),
	}
}
