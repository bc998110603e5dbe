package errors

import (
	"github.com/pingcap/errors"
)

// All errors raised by the placement core are normalized here so that the
// API surface can map them to caller-facing failures by category. Only the
// generation-conflict category is safe to retry without corrective action.
var (
	// NotFound: a referenced entity does not exist.
	ErrProviderNotFound      = errors.Normalize("resource provider %s not found", errors.RFCCodeText("TCHN:ErrProviderNotFound"))
	ErrConsumerNotFound      = errors.Normalize("consumer %s not found", errors.RFCCodeText("TCHN:ErrConsumerNotFound"))
	ErrResourceClassNotFound = errors.Normalize("resource class %s not found", errors.RFCCodeText("TCHN:ErrResourceClassNotFound"))
	ErrTraitNotFound         = errors.Normalize("trait %s not found", errors.RFCCodeText("TCHN:ErrTraitNotFound"))
	ErrInventoryNotFound     = errors.Normalize("no inventory of class %s on resource provider %s", errors.RFCCodeText("TCHN:ErrInventoryNotFound"))
	ErrAggregateNotFound     = errors.Normalize("aggregate %s not found", errors.RFCCodeText("TCHN:ErrAggregateNotFound"))

	// GenerationConflict: expected generation did not match current state.
	ErrProviderGenerationConflict = errors.Normalize("resource provider %s generation conflict: expected %d, current %d", errors.RFCCodeText("TCHN:ErrProviderGenerationConflict"))
	ErrConsumerGenerationConflict = errors.Normalize("consumer %s generation conflict: expected %d, current %d", errors.RFCCodeText("TCHN:ErrConsumerGenerationConflict"))
	ErrConsumerAlreadyExists      = errors.Normalize("consumer %s expected to be new but already exists at generation %d", errors.RFCCodeText("TCHN:ErrConsumerAlreadyExists"))
	ErrTxnConflict                = errors.Normalize("transaction aborted by a concurrent writer", errors.RFCCodeText("TCHN:ErrTxnConflict"))

	// InvalidRequest: malformed or semantically invalid input.
	ErrProviderAlreadyExists      = errors.Normalize("resource provider %s already exists", errors.RFCCodeText("TCHN:ErrProviderAlreadyExists"))
	ErrProviderLoop               = errors.Normalize("re-parenting resource provider %s under %s would create a loop", errors.RFCCodeText("TCHN:ErrProviderLoop"))
	ErrInvalidResourceClassName   = errors.Normalize("invalid resource class name %s", errors.RFCCodeText("TCHN:ErrInvalidResourceClassName"))
	ErrInvalidTraitName           = errors.Normalize("invalid trait name %s", errors.RFCCodeText("TCHN:ErrInvalidTraitName"))
	ErrInvalidConsumerType        = errors.Normalize("invalid consumer type %s", errors.RFCCodeText("TCHN:ErrInvalidConsumerType"))
	ErrInvalidInventory           = errors.Normalize("invalid inventory of class %s: %s", errors.RFCCodeText("TCHN:ErrInvalidInventory"))
	ErrInvalidAmount              = errors.Normalize("invalid amount %d for resource class %s", errors.RFCCodeText("TCHN:ErrInvalidAmount"))
	ErrUnknownResourceClass       = errors.Normalize("unknown resource class %s in request", errors.RFCCodeText("TCHN:ErrUnknownResourceClass"))
	ErrUnknownTrait               = errors.Normalize("unknown trait %s in request", errors.RFCCodeText("TCHN:ErrUnknownTrait"))
	ErrDuplicateAggregate         = errors.Normalize("duplicate aggregate %s in request", errors.RFCCodeText("TCHN:ErrDuplicateAggregate"))
	ErrGroupPolicyRequired        = errors.Normalize("group_policy is required when more than one numbered request group is present", errors.RFCCodeText("TCHN:ErrGroupPolicyRequired"))
	ErrOrphanRequestGroup         = errors.Normalize("resourceless request group %s is not declared in any same_subtree set", errors.RFCCodeText("TCHN:ErrOrphanRequestGroup"))
	ErrUnknownRequestGroup        = errors.Normalize("same_subtree references unknown request group %s", errors.RFCCodeText("TCHN:ErrUnknownRequestGroup"))
	ErrMalformedRequest           = errors.Normalize("malformed request: %s", errors.RFCCodeText("TCHN:ErrMalformedRequest"))
	ErrStandardEntityImmutable    = errors.Normalize("%s is a standard entity and cannot be modified", errors.RFCCodeText("TCHN:ErrStandardEntityImmutable"))
	ErrResourceClassAlreadyExists = errors.Normalize("resource class %s already exists", errors.RFCCodeText("TCHN:ErrResourceClassAlreadyExists"))
	ErrTraitAlreadyExists         = errors.Normalize("trait %s already exists", errors.RFCCodeText("TCHN:ErrTraitAlreadyExists"))

	// InUse: an entity cannot be removed while dependents reference it.
	ErrProviderInUse      = errors.Normalize("resource provider %s is in use: %s", errors.RFCCodeText("TCHN:ErrProviderInUse"))
	ErrInventoryInUse     = errors.Normalize("inventory of class %s on resource provider %s has active allocations", errors.RFCCodeText("TCHN:ErrInventoryInUse"))
	ErrResourceClassInUse = errors.Normalize("resource class %s is referenced by existing inventories", errors.RFCCodeText("TCHN:ErrResourceClassInUse"))
	ErrTraitInUse         = errors.Normalize("trait %s is still attached to resource providers", errors.RFCCodeText("TCHN:ErrTraitInUse"))

	// Store plumbing.
	ErrStoreOpFail = errors.Normalize("topology store operation failed", errors.RFCCodeText("TCHN:ErrStoreOpFail"))

	// Server configuration.
	ErrConfigParseFlagSet   = errors.Normalize("parse flag set failed", errors.RFCCodeText("TCHN:ErrConfigParseFlagSet"))
	ErrConfigDecodeFile     = errors.Normalize("decode config file failed", errors.RFCCodeText("TCHN:ErrConfigDecodeFile"))
	ErrConfigUnknownItem    = errors.Normalize("config file contains unknown configuration item: %s", errors.RFCCodeText("TCHN:ErrConfigUnknownItem"))
	ErrConfigInvalidFlag    = errors.Normalize("'%s' is an invalid flag", errors.RFCCodeText("TCHN:ErrConfigInvalidFlag"))
	ErrConfigUnknownBackend = errors.Normalize("unknown store backend %s, expect mem or etcd", errors.RFCCodeText("TCHN:ErrConfigUnknownBackend"))
)

var (
	notFoundErrors = []*errors.Error{
		ErrProviderNotFound, ErrConsumerNotFound, ErrResourceClassNotFound,
		ErrTraitNotFound, ErrInventoryNotFound, ErrAggregateNotFound,
	}
	conflictErrors = []*errors.Error{
		ErrProviderGenerationConflict, ErrConsumerGenerationConflict,
		ErrConsumerAlreadyExists, ErrTxnConflict,
	}
	invalidErrors = []*errors.Error{
		ErrProviderAlreadyExists, ErrProviderLoop, ErrInvalidResourceClassName,
		ErrInvalidTraitName, ErrInvalidConsumerType, ErrInvalidInventory,
		ErrInvalidAmount, ErrUnknownResourceClass, ErrUnknownTrait,
		ErrDuplicateAggregate, ErrGroupPolicyRequired, ErrOrphanRequestGroup,
		ErrUnknownRequestGroup, ErrMalformedRequest, ErrStandardEntityImmutable,
		ErrResourceClassAlreadyExists, ErrTraitAlreadyExists,
	}
	inUseErrors = []*errors.Error{
		ErrProviderInUse, ErrInventoryInUse, ErrResourceClassInUse, ErrTraitInUse,
	}
)

// Wrap attaches a cause to a normalized error. A nil cause yields nil so
// call sites can wrap unconditionally.
func Wrap(rfcError *errors.Error, err error, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return rfcError.Wrap(err).GenWithStackByArgs(args...)
}

func matchAny(err error, list []*errors.Error) bool {
	for _, e := range list {
		if e.Equal(err) {
			return true
		}
	}
	return false
}

// IsNotFound tells whether err reports a missing entity.
func IsNotFound(err error) bool {
	return matchAny(err, notFoundErrors)
}

// IsGenerationConflict tells whether err is retryable after the caller
// re-reads current state.
func IsGenerationConflict(err error) bool {
	return matchAny(err, conflictErrors)
}

// IsInvalidRequest tells whether err reports malformed or semantically
// invalid input.
func IsInvalidRequest(err error) bool {
	return matchAny(err, invalidErrors)
}

// IsInUse tells whether err reports an entity blocked by dependents.
func IsInUse(err error) bool {
	return matchAny(err, inUseErrors)
}
