package version

// Version indicates which version of the binary is running
var Version = "dev"

// GitCommit indicates which git hash the binary was built off of
var GitCommit = ""
