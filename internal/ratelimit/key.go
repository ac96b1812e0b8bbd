package ratelimit

import "strings"

// LoginKey builds a limiter key for a login attempt, scoping the window to
// the username and source IP pair so one noisy client cannot starve others.
func LoginKey(username, remoteIP string) string {
	username = strings.ToLower(strings.TrimSpace(username))
	remoteIP = strings.TrimSpace(remoteIP)
	if username == "" && remoteIP == "" {
		return ""
	}
	return "login:" + username + ":" + remoteIP
}
