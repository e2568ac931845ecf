/*
   Copyright (c) 2023, btnmasher
   All rights reserved.
   Use of this source code is governed by a BSD-style
   license that can be found in the LICENSE file.
*/

package relayd

// Numeric reply codes per RFC 1459/2812, the IRCv3 SASL extension, and the
// MONITOR/CHATHISTORY drafts. Structured FAIL/WARN/NOTE replies (§7 of the
// spec) are not numerics; see Session.SendFail/SendWarn in session.go for
// those.
const (
	ReplyNone uint16 = 0

	ReplyWelcome  uint16 = 001
	ReplyYourHost uint16 = 002
	ReplyCreated  uint16 = 003
	ReplyMyInfo   uint16 = 004
	ReplyISupport uint16 = 005

	ReplyUserModeIs uint16 = 221

	ReplyLUserClient   uint16 = 251
	ReplyLUserOp       uint16 = 252
	ReplyLUserUnknown  uint16 = 253
	ReplyLUserChannels uint16 = 254
	ReplyLUserMe       uint16 = 255
	ReplyAdminMe       uint16 = 256
	ReplyAdminLoc1     uint16 = 257
	ReplyAdminLoc2     uint16 = 258
	ReplyAdminEmail    uint16 = 259
	ReplyTryAgain      uint16 = 263

	ReplyAway   uint16 = 301
	ReplyUserHost uint16 = 302
	ReplyIsOn   uint16 = 303
	ReplyUnAway uint16 = 305
	ReplyNowAway uint16 = 306

	ReplyWhoisUser     uint16 = 311
	ReplyWhoisServer   uint16 = 312
	ReplyWhoisOperator uint16 = 313
	ReplyWhoWasUser    uint16 = 314
	ReplyEndOfWho      uint16 = 315
	ReplyWhoisIdle     uint16 = 317
	ReplyEndOfWhois    uint16 = 318
	ReplyWhoisChannels uint16 = 319
	ReplyListStart     uint16 = 321
	ReplyList          uint16 = 322
	ReplyEndOfList     uint16 = 323
	ReplyChannelModeIs uint16 = 324
	ReplyCreationTime  uint16 = 329
	ReplyNoTopic       uint16 = 331
	ReplyChanTopic     uint16 = 332
	ReplyTopicWhoTime  uint16 = 333
	ReplyInviting      uint16 = 341
	ReplyInviteList    uint16 = 346
	ReplyEndOfInviteList uint16 = 347
	ReplyExceptList    uint16 = 348
	ReplyEndOfExceptList uint16 = 349
	ReplyVersion       uint16 = 351
	ReplyWho           uint16 = 352
	ReplyNames         uint16 = 353
	ReplyLinks         uint16 = 364
	ReplyEndOfLinks    uint16 = 365
	ReplyEndOfNames    uint16 = 366
	ReplyBanList       uint16 = 367
	ReplyEndOfBanList  uint16 = 368
	ReplyEndOfWhoWas   uint16 = 369
	ReplyInfo          uint16 = 371
	ReplyMOTD          uint16 = 372
	ReplyEndOfInfo     uint16 = 374
	ReplyMOTDStart     uint16 = 375
	ReplyEndOfMOTD     uint16 = 376
	ReplyYoureOper     uint16 = 381
	ReplyRehashing     uint16 = 382
	ReplyTime          uint16 = 391

	ReplyNoSuchNick          uint16 = 401
	ReplyNoSuchServer        uint16 = 402
	ReplyNoSuchChannel       uint16 = 403
	ReplyCannotSendToChan    uint16 = 404
	ReplyTooManyChannels     uint16 = 405
	ReplyWasNoSuchNick       uint16 = 406
	ReplyNoOrigin            uint16 = 409
	ReplyInvalidCapCmd       uint16 = 410
	ReplyNoRecipient         uint16 = 411
	ReplyNoTextToSend        uint16 = 412
	ReplyUnknownCommand      uint16 = 421
	ReplyNoMOTD              uint16 = 422
	ReplyNoNicknameGiven     uint16 = 431
	ReplyErroneousNickname   uint16 = 432
	ReplyNicknameInUse       uint16 = 433
	ReplyNickCollision       uint16 = 436
	ReplyUserNotInChannel    uint16 = 441
	ReplyNotOnChannel        uint16 = 442
	ReplyUserOnChannel       uint16 = 443
	ReplyNotRegistered       uint16 = 451
	ReplyNeedMoreParams      uint16 = 461
	ReplyAlreadyRegistered   uint16 = 462
	ReplyPasswordMismatch    uint16 = 464
	ReplyYoureBannedCreep    uint16 = 465
	ReplyChannelIsFull       uint16 = 471
	ReplyUnknownMode         uint16 = 472
	ReplyInviteOnlyChan      uint16 = 473
	ReplyBannedFromChan      uint16 = 474
	ReplyBadChannelKey       uint16 = 475
	ReplyBadChanMask         uint16 = 476
	ReplyNoChanModes         uint16 = 477
	ReplyBanListFull         uint16 = 478
	ReplyNoPrivileges        uint16 = 481
	ReplyChanOpPrivsNeeded   uint16 = 482
	ReplyCantKillServer      uint16 = 483
	ReplyNoOperHost          uint16 = 491
	ReplyUnknownUserMode     uint16 = 501
	ReplyUsersDontMatch      uint16 = 502
	ReplyStartTLS            uint16 = 670

	ReplyMonOnline     uint16 = 730
	ReplyMonOffline    uint16 = 731
	ReplyMonList       uint16 = 732
	ReplyEndOfMonList  uint16 = 733
	ReplyMonListFull   uint16 = 734

	ReplyLoggedIn     uint16 = 900
	ReplyLoggedOut    uint16 = 901
	ReplyNickLocked   uint16 = 902
	ReplySASLSuccess  uint16 = 903
	ReplySASLFail     uint16 = 904
	ReplySASLTooLong  uint16 = 905
	ReplySASLAborted  uint16 = 906
	ReplySASLAlready  uint16 = 907
	ReplySASLMechs    uint16 = 908
)
