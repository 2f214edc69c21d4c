package edge

import apperrors "github.com/pyrolink/pyrolink/pkg/errors"

var errAuthRejected = apperrors.NewFatal("broadcast authentication rejected", nil)
