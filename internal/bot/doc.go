// Package bot is the chat command set: it reads stored quotes, reports
// harvest state and lets owners refresh a quote from the site on demand.
package bot
