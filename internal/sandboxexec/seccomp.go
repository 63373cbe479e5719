package sandboxexec

import "encoding/json"

// seccompProfile is the restrictive allowlist profile applied on the
// unsafe-runtime fallback path. The secure runtime already intercepts
// syscalls at the user-space kernel boundary; this is the substitute when
// that runtime is unavailable and the operator has opted into
// AllowUnsafeRuntime.
type seccompProfile struct {
	DefaultAction string           `json:"defaultAction"`
	Architectures []string         `json:"architectures"`
	Syscalls      []seccompSyscall `json:"syscalls"`
}

type seccompSyscall struct {
	Names  []string     `json:"names"`
	Action string       `json:"action"`
	Args   []seccompArg `json:"args,omitempty"`
}

type seccompArg struct {
	Index uint   `json:"index"`
	Value uint64 `json:"value"`
	Op    string `json:"op"`
}

var allowedSyscalls = []string{
	"read", "write", "open", "close", "stat", "fstat", "lstat",
	"poll", "lseek", "mmap", "mprotect", "munmap", "brk",
	"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "ioctl",
	"access", "pipe", "select", "sched_yield", "mremap",
	"dup", "dup2", "pause", "nanosleep", "getitimer", "alarm",
	"setitimer", "getpid", "socket", "connect", "sendto",
	"recvfrom", "sendmsg", "recvmsg", "shutdown", "bind",
	"listen", "getsockname", "getpeername", "socketpair",
	"setsockopt", "getsockopt", "clone", "fork", "vfork",
	"execve", "exit", "wait4", "kill", "uname", "fcntl",
	"flock", "fsync", "fdatasync", "truncate", "ftruncate",
	"getdents", "getcwd", "chdir", "fchdir", "rename",
	"mkdir", "rmdir", "creat", "link", "unlink", "symlink",
	"readlink", "chmod", "fchmod", "chown", "fchown",
	"lchown", "umask", "gettimeofday", "getrlimit", "getrusage",
	"sysinfo", "times", "getuid", "getgid", "setuid",
	"setgid", "geteuid", "getegid", "setpgid", "getppid",
	"getpgrp", "setsid", "setreuid", "setregid", "getgroups",
	"capget", "capset", "rt_sigpending", "rt_sigtimedwait",
	"arch_prctl", "prctl", "set_tid_address", "set_robust_list",
	"futex", "sched_setaffinity", "sched_getaffinity", "getrandom",
	"openat", "mkdirat", "fchownat", "newfstatat", "unlinkat",
	"renameat", "linkat", "symlinkat", "readlinkat", "fchmodat",
	"faccessat", "pselect6", "ppoll", "epoll_create1", "epoll_ctl",
	"epoll_wait", "epoll_pwait", "eventfd2", "pipe2", "dup3",
	"clock_gettime", "clock_getres", "clock_nanosleep", "exit_group",
	"statx", "copy_file_range", "memfd_create", "rseq",
}

var blockedSyscalls = []string{"mount", "umount2", "reboot", "swapon", "swapoff", "kexec_load", "kexec_file_load", "acct", "init_module", "delete_module", "bpf", "perf_event_open"}

// seccompProfileJSON renders a restrictive syscall allowlist profile as a
// compact JSON string suitable for Docker's --security-opt seccomp=<json>.
func seccompProfileJSON() (string, error) {
	profile := seccompProfile{
		DefaultAction: "SCMP_ACT_ERRNO",
		Architectures: []string{"SCMP_ARCH_X86_64", "SCMP_ARCH_X86", "SCMP_ARCH_AARCH64", "SCMP_ARCH_ARM"},
		Syscalls: []seccompSyscall{
			{Names: allowedSyscalls, Action: "SCMP_ACT_ALLOW"},
			{Names: []string{"ptrace"}, Action: "SCMP_ACT_ERRNO", Args: []seccompArg{{Index: 0, Value: 0, Op: "SCMP_CMP_NE"}}},
			{Names: blockedSyscalls, Action: "SCMP_ACT_ERRNO"},
		},
	}
	data, err := json.Marshal(profile)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
