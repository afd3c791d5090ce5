// Package auth holds the client-side credential store consumed by the realtime
// session and the history client.
//
// The store does not log users in. It keeps the access token handed over by the
// login flow, reports missing or expired tokens before any network use, and
// notifies registered relogin handlers when credentials are rejected so the
// front-end can send the user back to the login screen.
package auth
