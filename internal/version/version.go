package version

// Version is the fbping release version, overridable at build time with
// -ldflags "-X github.com/NodePath81/fbping/internal/version.Version=...".
var Version = "0.2.0"
