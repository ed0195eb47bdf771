// Package notifysvc tracks unread messages per user and channel and turns
// unread activity into debounced email digests. Every queued message pushes
// the channel's flush out by the digest delay; marking everything read
// cancels the flush. The scheduled task id is swapped on the mail row with a
// compare-and-set so concurrent writers converge on a single live digest per
// user/channel pair.
package notifysvc
