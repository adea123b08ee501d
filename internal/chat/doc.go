// Package chat holds the domain vocabulary shared by the relaychat packages:
// the events exchanged with clients and across processes, the identities
// resolved at admission, and the ports the session core depends on.
package chat
