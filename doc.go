// Package pcfd implements a privacy-command distribution broker: agents
// pull delete, export, account-close and age-out commands over HTTP, hold
// them under lease receipts, and report progress through checkpoints until
// every asset group has completed its share of the work.
//
// The package exposes the embeddable server; the pcfd command in cmd/pcfd
// wraps it with flags, environment and config file handling.
package pcfd
