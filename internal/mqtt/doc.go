// Package mqtt is the broker transport. It subscribes to each enabled
// project's input, template and control topics, turns inbound JSON into
// dispatcher work items, and publishes results back to per-session reply
// topics.
//
// The connection is managed by Eclipse Paho v2's [autopaho] package. On
// every (re-)connect the adapter re-subscribes to all topic filters and
// publishes a retained "online" status; a will message flips the status
// topic to "offline" on an unexpected disconnect.
package mqtt
