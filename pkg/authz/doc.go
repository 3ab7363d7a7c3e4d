// Package authz decides whether a user may perform an action.
//
// A permission names a slug, a callback and a parameter template. A check
// for a slug loads the user's permissions with that slug and, for each in
// turn, resolves the template against the request data and invokes the
// callback. The first callback that returns true grants access.
//
// Templates are JSON arrays mixing literals and placeholder objects:
//
//	[{"_name": "post_id"}, "edit", {"_name": "mode", "default": "draft"}]
//
// A placeholder that can not be filled skips its permission instead of
// failing the check, since several permissions may share one slug.
//
// Callbacks are registered once at startup:
//
//	manager := authz.NewManager(store, authz.Config{Logger: log})
//	manager.AddCallback("isOwner", func(ctx context.Context, c authz.Call) bool {
//		return c.Arg(0) == c.Params["owner_id"]
//	})
//
// The master account (DefaultMasterUserID unless configured) is granted
// every check; a nil user is a guest and is denied every check.
package authz
