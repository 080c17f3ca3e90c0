// Package chat implements the inbox: the rooms a user belongs to, one live
// message subscription per room, unread counts and new-message notices.
// Room subscriptions are children of the room list subscription and are
// managed by a Group.
package chat
