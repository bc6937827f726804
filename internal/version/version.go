package version

// Version is the Pagekeeper version. It is overridden at build time with
// -ldflags "-X github.com/hashicorp-forge/pagekeeper/internal/version.Version=...".
var Version = "0.1.0-dev"
