package dynamo

// DynamoDB attribute names used in key and condition expressions across all repos.
const (
	fieldEmail        = "email"
	fieldIdentifier   = "identifier"
	fieldKey          = "key"
	fieldHashedSecret = "hashed_secret"
	fieldAttempts     = "attempts"
	fieldExpiresAt    = "expires_at"
	fieldCount        = "count"
	fieldLastSignInAt = "last_sign_in_at"
	fieldUpdatedAt    = "updated_at"
)
