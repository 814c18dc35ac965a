package common

// PackageName is used as the service tag and metrics namespace.
const PackageName = "identity-recovery-backend"

// Version is set at build time with -ldflags "-X .../common.Version=...".
var Version = "dev"
