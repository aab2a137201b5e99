package dek

// EncryptedDEKError reports a failure while wrapping a DEK.
type EncryptedDEKError struct {
	Cause error
}

func (e *EncryptedDEKError) Error() string {
	return "wrap dek: " + e.Cause.Error()
}

func (e *EncryptedDEKError) Unwrap() error { return e.Cause }

// DecryptDEKError reports a failure while unwrapping a DEK. It never
// carries partial key material.
type DecryptDEKError struct {
	Cause error
}

func (e *DecryptDEKError) Error() string {
	return "unwrap dek: " + e.Cause.Error()
}

func (e *DecryptDEKError) Unwrap() error { return e.Cause }
