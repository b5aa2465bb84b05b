// Package testutil provides fakes and fixtures shared by warden's tests.
package testutil

// BotLogin is the login the fake platform posts comments as.
const BotLogin = "warden-bot"
