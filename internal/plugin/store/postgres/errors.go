package postgres

import registrystore "github.com/chirino/messenger-service/internal/registry/store"

type NotFoundError = registrystore.NotFoundError
type ValidationError = registrystore.ValidationError
type ConflictError = registrystore.ConflictError
type ForbiddenError = registrystore.ForbiddenError
type NotOwnerError = registrystore.NotOwnerError
