// Package cloudproto specifies the contracts the sync engine requires of
// its two cloud collaborators — a key-value document service and an
// object blob service — without committing to a specific provider's wire
// format. It also encodes the JSON commit-batch shape exchanged over the
// document service's watch channel.
package cloudproto

import "path"

// UserDevicesPath returns the document path under which a user's
// registered device fingerprints live.
func UserDevicesPath(userID string) string {
	return path.Join(userID, "__metadata", "devices")
}

// DevicePath returns the document path for one device's fingerprint row.
func DevicePath(userID, fingerprint string) string {
	return path.Join(UserDevicesPath(userID), fingerprint)
}

// PageCommitsPath returns the document path watched for incoming commits
// on a page.
func PageCommitsPath(userID, appID, pageID string) string {
	return path.Join(PagePath(userID, appID, pageID), "commits")
}

// PageObjectsPath returns the blob-service key prefix under which a
// page's objects are stored.
func PageObjectsPath(userID, appID, pageID string) string {
	return path.Join(AppObjectsPrefix(userID, appID), pageID)
}

// AppObjectsPrefix returns the blob-service key prefix shared by every
// page belonging to one app.
func AppObjectsPrefix(userID, appID string) string {
	return path.Join(userID, appID, "objects")
}

// PagePath returns the document path for a page's own subtree.
func PagePath(userID, appID, pageID string) string {
	return path.Join(AppPath(userID, appID), pageID)
}

// AppPath returns the document path for an app's subtree.
func AppPath(userID, appID string) string {
	return path.Join(userID, appID)
}
